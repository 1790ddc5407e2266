//go:build linux

package button

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// Pins identifies the button input and the starter relay output.
type Pins struct {
	ButtonPin  int
	StarterPin int
	Consumer   string
}

// IO owns the GPIO lines for the button glue.
type IO struct {
	chip    *gpiocdev.Chip
	button  *gpiocdev.Line
	starter *gpiocdev.Line
}

// OpenIO requests the button and starter lines. The starter line starts
// low (disengaged).
func OpenIO(cfg Pins) (*IO, error) {
	if cfg.ButtonPin <= 0 {
		return nil, fmt.Errorf("button: pin not configured")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "etbd-button"
	}

	chip, err := findGPIOChip()
	if err != nil {
		return nil, err
	}

	io := &IO{chip: chip}
	io.button, err = chip.RequestLine(cfg.ButtonPin, gpiocdev.AsInput, gpiocdev.WithPullUp, gpiocdev.WithConsumer(cfg.Consumer))
	if err == nil && cfg.StarterPin > 0 {
		io.starter, err = chip.RequestLine(cfg.StarterPin, gpiocdev.AsOutput(0), gpiocdev.WithConsumer(cfg.Consumer))
	}
	if err != nil {
		io.Close()
		return nil, fmt.Errorf("button: request gpio lines: %w", err)
	}
	return io, nil
}

func findGPIOChip() (*gpiocdev.Chip, error) {
	candidates := []string{"/dev/gpiochip0"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			candidates = append(candidates, filepath.Join("/dev", name))
		}
	}
	for _, path := range candidates {
		chip, err := gpiocdev.NewChip(path)
		if err == nil {
			return chip, nil
		}
	}
	return nil, fmt.Errorf("button: no usable gpiochip found")
}

// ReadButton reports the debounce-ready raw state. The input is pulled
// up and the switch shorts to ground, so pressed reads low.
func (io *IO) ReadButton() bool {
	v, err := io.button.Value()
	if err != nil {
		return false
	}
	return v == 0
}

// SetStarter drives the starter relay line.
func (io *IO) SetStarter(engaged bool) error {
	if io.starter == nil {
		return nil
	}
	v := 0
	if engaged {
		v = 1
	}
	return io.starter.SetValue(v)
}

func (io *IO) Close() {
	for _, l := range []**gpiocdev.Line{&io.button, &io.starter} {
		if *l != nil {
			_ = (*l).Close()
			*l = nil
		}
	}
	if io.chip != nil {
		_ = io.chip.Close()
		io.chip = nil
	}
}
