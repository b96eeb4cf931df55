//go:build linux

// Package pipe reads interleaved signed 8-bit IQ from a named pipe or
// character device. It is the hand-off point for the simulator feeder
// and for external capture processes that publish raw IQ this way.
package pipe

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/panorama/pkg/sdr"
)

const (
	maxPipeSize  = 1024 * 1024
	pollInterval = 5 * time.Millisecond
)

// Device is a pipe-backed front end. Capture parameters are recorded
// for block tagging; the pipe carries whatever its writer produces.
// Only one goroutine may call ReadBlock.
type Device struct {
	path string

	mu     sync.Mutex
	cfg    sdr.CaptureConfig
	fd     int
	open   bool
	closed bool

	// Bytes of a partially filled block from a timed-out read, kept so
	// sample alignment survives the retry.
	pending []byte
}

// Open prepares a front end reading from path. The pipe itself is not
// opened until Start, so registration never blocks on a missing writer.
func Open(path string) (*Device, error) {
	return &Device{path: path, fd: -1, cfg: sdr.DefaultConfig()}, nil
}

func (d *Device) Info() sdr.Info {
	return sdr.Info{Name: "pipe0", Driver: "cs8-pipe", Serial: d.path}
}

func (d *Device) Configure(cfg sdr.CaptureConfig) (sdr.CaptureConfig, error) {
	const op = "pipe.Configure"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.CaptureConfig{}, sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.cfg = cfg
	return d.cfg, nil
}

func (d *Device) SetGains(lna, vga int) (sdr.Gains, error) {
	const op = "pipe.SetGains"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.Gains{}, sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.cfg = d.cfg.WithGains(sdr.Gains{LNA: lna, VGA: vga})
	return d.cfg.Gains(), nil
}

func (d *Device) Start() error {
	const op = "pipe.Start"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	if d.open {
		return nil
	}

	// Non-blocking: a FIFO opens for reading even before a writer
	// shows up, and empty reads surface as EAGAIN for the poll loop.
	fd, err := unix.Open(d.path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return sdr.Wrap(sdr.CodeDeviceUnavailable, op, &os.PathError{Op: "open", Path: d.path, Err: err})
	}

	// Tune buffer for throughput
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)

	d.fd = fd
	d.open = true
	d.pending = nil
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.closed = true
	return nil
}

func (d *Device) stopLocked() {
	if d.open {
		unix.Close(d.fd)
		d.fd = -1
		d.open = false
	}
	d.pending = nil
}

// ReadBlock fills dst from the pipe, polling until the block completes
// or timeout passes, and converts signed 8-bit IQ pairs to complex
// samples normalized to full scale. An idle pipe (no writer, or a
// writer with nothing to say) surfaces as ErrReadTimeout rather than a
// fault so the stream survives a feeder restart.
func (d *Device) ReadBlock(dst []complex64, timeout time.Duration) (int, error) {
	const op = "pipe.ReadBlock"

	d.mu.Lock()
	if d.closed || !d.open {
		d.mu.Unlock()
		return 0, sdr.Errorf(sdr.CodeAcquisitionFault, op, "read on a stopped front end")
	}
	fd := d.fd
	buf := make([]byte, len(dst)*2)
	total := copy(buf, d.pending)
	d.pending = nil
	d.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for total < len(buf) {
		n, err := unix.Read(fd, buf[total:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN, err == nil && n == 0:
			// Empty pipe, or no writer attached yet.
			if time.Now().After(deadline) {
				d.mu.Lock()
				if d.open && d.fd == fd {
					d.pending = buf[:total]
				}
				d.mu.Unlock()
				return 0, sdr.ErrReadTimeout
			}
			time.Sleep(pollInterval)
		case err != nil:
			return 0, sdr.Wrap(sdr.CodeAcquisitionFault, op, err)
		default:
			total += n
		}
	}

	for i := range dst {
		dst[i] = complex(
			float32(int8(buf[i*2]))/128,
			float32(int8(buf[i*2+1]))/128,
		)
	}
	return len(dst), nil
}
