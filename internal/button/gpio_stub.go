//go:build !linux

package button

import "fmt"

type Pins struct {
	ButtonPin  int
	StarterPin int
	Consumer   string
}

type IO struct{}

func OpenIO(cfg Pins) (*IO, error) {
	return nil, fmt.Errorf("button: gpio only supported on linux")
}

func (io *IO) ReadButton() bool              { return false }
func (io *IO) SetStarter(engaged bool) error { return nil }
func (io *IO) Close()                        {}
