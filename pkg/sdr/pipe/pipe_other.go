//go:build !linux

// Package pipe reads interleaved signed 8-bit IQ from a named pipe or
// character device. It is the hand-off point for the simulator feeder
// and for external capture processes that publish raw IQ this way.
package pipe

import (
	"time"

	"github.com/panorama/pkg/sdr"
)

// Device is only available on linux.
type Device struct{}

// Open fails on platforms without named pipe support.
func Open(path string) (*Device, error) {
	return nil, sdr.Errorf(sdr.CodeDeviceUnavailable, "pipe.Open", "pipe front end is only supported on linux")
}

func (d *Device) Info() sdr.Info { return sdr.Info{Name: "pipe0", Driver: "cs8-pipe"} }

func (d *Device) Configure(cfg sdr.CaptureConfig) (sdr.CaptureConfig, error) {
	return sdr.CaptureConfig{}, sdr.Errorf(sdr.CodeDeviceUnavailable, "pipe.Configure", "unsupported platform")
}

func (d *Device) SetGains(lna, vga int) (sdr.Gains, error) {
	return sdr.Gains{}, sdr.Errorf(sdr.CodeDeviceUnavailable, "pipe.SetGains", "unsupported platform")
}

func (d *Device) Start() error {
	return sdr.Errorf(sdr.CodeDeviceUnavailable, "pipe.Start", "unsupported platform")
}

func (d *Device) Stop() error  { return nil }
func (d *Device) Close() error { return nil }

func (d *Device) ReadBlock(dst []complex64, timeout time.Duration) (int, error) {
	return 0, sdr.Errorf(sdr.CodeDeviceUnavailable, "pipe.ReadBlock", "unsupported platform")
}
