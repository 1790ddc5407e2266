// Package adc acquires analog sensor voltages through an ADS1015-class
// I2C converter and feeds the calibrated readings into the sensor
// registry.
package adc

// converterBus is the transport the converter driver needs.
type converterBus interface {
	WriteRead(w, r []byte) error
	Close() error
}

const (
	regConversion = 0x00
	regConfig     = 0x01

	// Single-shot, AINx vs GND, +-6.144V range, 1600 SPS, comparator off.
	configBase = 0x8000 | 0x0100 | 0x0003 | 0x0080

	// Full-scale voltage for the +-6.144V range.
	fullScaleVolts = 6.144
)

// ads1015 reads single-ended channels 0..3 in single-shot mode.
type ads1015 struct {
	bus converterBus
}

func (a *ads1015) ReadVolts(channel int) (float64, error) {
	mux := uint16(0x4000 + channel<<12)
	cfg := uint16(configBase) | mux

	if err := a.bus.WriteRead([]byte{regConfig, byte(cfg >> 8), byte(cfg)}, nil); err != nil {
		return 0, err
	}

	// Poll the OS bit until the single-shot conversion completes.
	var raw [2]byte
	for i := 0; i < 10; i++ {
		if err := a.bus.WriteRead([]byte{regConfig}, raw[:]); err != nil {
			return 0, err
		}
		if raw[0]&0x80 != 0 {
			break
		}
	}

	if err := a.bus.WriteRead([]byte{regConversion}, raw[:]); err != nil {
		return 0, err
	}

	// 12-bit left-justified two's complement.
	counts := int16(uint16(raw[0])<<8|uint16(raw[1])) >> 4
	return float64(counts) * fullScaleVolts / 2048, nil
}

func (a *ads1015) Close() error {
	return a.bus.Close()
}
