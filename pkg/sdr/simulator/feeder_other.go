//go:build !linux

package simulator

import "errors"

// ServeFIFO requires named pipe support.
func ServeFIFO(path string, dev *Device) error {
	return errors.New("simulator: named pipe streaming is only supported on linux")
}
