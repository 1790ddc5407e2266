//go:build !linux

package actuator

import "fmt"

// Stub implementation for non-Linux platforms.
func openHBridge(cfg Config) (Motor, error) {
	return nil, fmt.Errorf("actuator: h-bridge unsupported on this platform")
}
