//go:build !linux

package adc

import "fmt"

func openBus(path string, addr uint16) (converterBus, error) {
	return nil, fmt.Errorf("adc: i2c unsupported on this platform")
}
