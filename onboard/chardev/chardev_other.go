//go:build !linux

package chardev

import (
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	"github.com/pkg/errors"
)

var ErrUnsupported = errors.New("the gpio character device is only available on linux")

type Chip struct{}

func Open(name string) (*Chip, error) {
	return nil, ErrUnsupported
}

func (c *Chip) SetOutput(pin int) error                                { return ErrUnsupported }
func (c *Chip) SetInput(pin int, pull hardware.Pull) error             { return ErrUnsupported }
func (c *Chip) Read(pin int) (hardware.Level, error)                   { return hardware.Low, ErrUnsupported }
func (c *Chip) Write(pin int, level hardware.Level) error              { return ErrUnsupported }
func (c *Chip) SetGlitchFilter(pin int, window time.Duration) error    { return ErrUnsupported }
func (c *Chip) Watch(pin int, fn func(hardware.Level)) (func(), error) { return nil, ErrUnsupported }
func (c *Chip) Waves() hardware.Waveformer                             { return nil }
func (c *Chip) Close() error                                           { return nil }
