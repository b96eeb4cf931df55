//go:build linux

package simulator

import (
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/panorama/pkg/sdr"
)

const (
	feederSamplesPerWrite = 8192
	maxPipeSize           = 1024 * 1024
)

// ServeFIFO creates a named pipe at path and streams interleaved signed
// 8-bit IQ from dev into it, reopening the writer end whenever the
// reader goes away. It feeds the pipe front end in development setups
// and never returns on a healthy pipe.
func ServeFIFO(path string, dev *Device) error {
	_ = os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return err
	}

	glog.Infof("simulator: streaming cs8 samples to %s", path)

	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	// Tune buffer for throughput
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)

	if err := dev.Start(); err != nil {
		return err
	}

	samples := make([]complex64, feederSamplesPerWrite)
	writeBuf := make([]byte, feederSamplesPerWrite*2)

	for {
		if _, err := dev.ReadBlock(samples, time.Second); err != nil {
			if errors.Is(err, sdr.ErrReadTimeout) {
				continue
			}
			return err
		}
		for i, s := range samples {
			writeBuf[i*2] = byte(quantizeInt8(real(s)))
			writeBuf[i*2+1] = byte(quantizeInt8(imag(s)))
		}

		if _, err := unix.Write(fd, writeBuf); err != nil {
			glog.Warningf("simulator: pipe reader went away, waiting for a new one")
			unix.Close(fd)
			for {
				fd, err = unix.Open(path, unix.O_WRONLY, 0)
				if err == nil {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
	}
}

// quantizeInt8 maps a full-scale float sample onto the signed 8-bit
// wire range, clamping at the rails.
func quantizeInt8(v float32) int8 {
	scaled := v * 127
	if scaled > 127 {
		return 127
	}
	if scaled < -128 {
		return -128
	}
	return int8(scaled)
}
