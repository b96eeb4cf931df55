// Package hackrf drives a HackRF One through the hackrf_transfer CLI,
// reading 8-bit IQ pairs from its stdout.
package hackrf

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/panorama/pkg/sdr"
)

const (
	transferAlias = "hackrf_transfer"
	infoAlias     = "hackrf_info"
)

// Device wraps one hackrf_transfer process. The CLI has no live tuning
// interface, so Configure and SetGains restart it with new arguments;
// the session applies those between blocks, so no samples are torn.
// Only one goroutine may call ReadBlock.
type Device struct {
	serial string

	mu      sync.Mutex
	cfg     sdr.CaptureConfig
	cmd     *exec.Cmd
	out     *os.File
	started bool
	closed  bool

	// Bytes of a partially read block kept across a deadline so IQ
	// alignment survives the retry.
	pending []byte
}

// Open prepares a front end around the hackrf_transfer binary. An empty
// serial selects whichever board the CLI finds first. When hackrf_info
// is installed it is consulted too, so a missing board fails here
// instead of at the first read.
func Open(serial string) (*Device, error) {
	const op = "hackrf.Open"
	if _, err := exec.LookPath(transferAlias); err != nil {
		return nil, sdr.Wrap(sdr.CodeDeviceUnavailable, op, err)
	}
	if _, err := exec.LookPath(infoAlias); err == nil {
		out, err := exec.Command(infoAlias).CombinedOutput()
		if err != nil {
			return nil, sdr.Errorf(sdr.CodeDeviceUnavailable, op,
				"%s: %v: %s", infoAlias, err, strings.TrimSpace(string(out)))
		}
		if serial == "" {
			serial = firstSerial(string(out))
		}
	}
	return &Device{serial: serial, cfg: sdr.DefaultConfig()}, nil
}

// firstSerial pulls the first board serial out of hackrf_info output.
func firstSerial(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Serial number:"); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func (d *Device) Info() sdr.Info {
	return sdr.Info{Name: "hackrf0", Driver: transferAlias, Serial: d.serial}
}

func (d *Device) Configure(cfg sdr.CaptureConfig) (sdr.CaptureConfig, error) {
	const op = "hackrf.Configure"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.CaptureConfig{}, sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.cfg = cfg
	if d.started {
		d.killLocked()
		if err := d.spawnLocked(); err != nil {
			d.started = false
			return sdr.CaptureConfig{}, sdr.Wrap(sdr.CodeAcquisitionFault, op, err)
		}
	}
	return d.cfg, nil
}

func (d *Device) SetGains(lna, vga int) (sdr.Gains, error) {
	cfg := d.config()
	applied, err := d.Configure(cfg.WithGains(sdr.Gains{LNA: lna, VGA: vga}))
	if err != nil {
		return sdr.Gains{}, err
	}
	return applied.Gains(), nil
}

func (d *Device) config() sdr.CaptureConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Device) Start() error {
	const op = "hackrf.Start"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	if d.started {
		return nil
	}
	if err := d.spawnLocked(); err != nil {
		return sdr.Wrap(sdr.CodeDeviceUnavailable, op, err)
	}
	d.started = true
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killLocked()
	d.started = false
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killLocked()
	d.started = false
	d.closed = true
	return nil
}

// transferArgs maps a capture config onto the hackrf_transfer flag set,
// with samples going to stdout.
func transferArgs(cfg sdr.CaptureConfig, serial string) []string {
	args := []string{
		"-r", "-",
		"-f", strconv.FormatInt(int64(cfg.CenterFrequency), 10),
		"-s", strconv.FormatInt(int64(cfg.SampleRate), 10),
		"-l", strconv.Itoa(cfg.LNAGain),
		"-g", strconv.Itoa(cfg.VGAGain),
	}
	if serial != "" {
		args = append(args, "-d", serial)
	}
	return args
}

func (d *Device) spawnLocked() error {
	cmd := exec.Command(transferAlias, transferArgs(d.cfg, d.serial)...)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	out, ok := stdout.(*os.File)
	if !ok {
		stdout.Close()
		return fmt.Errorf("stdout pipe is a %T, need *os.File for read deadlines", stdout)
	}

	glog.Infof("hackrf: running %q", cmd)
	if err := cmd.Start(); err != nil {
		out.Close()
		return err
	}
	d.cmd = cmd
	d.out = out
	d.pending = nil
	return nil
}

func (d *Device) killLocked() {
	if d.cmd == nil {
		return
	}
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	d.cmd = nil
	d.out = nil
	d.pending = nil
}

// ReadBlock fills dst from the transfer process, converting signed
// 8-bit IQ to full-scale-normalized complex samples.
func (d *Device) ReadBlock(dst []complex64, timeout time.Duration) (int, error) {
	const op = "hackrf.ReadBlock"

	d.mu.Lock()
	out := d.out
	if d.closed || !d.started || out == nil {
		d.mu.Unlock()
		return 0, sdr.Errorf(sdr.CodeAcquisitionFault, op, "read on a stopped front end")
	}
	buf := make([]byte, len(dst)*2)
	total := copy(buf, d.pending)
	d.pending = nil
	d.mu.Unlock()

	if err := out.SetReadDeadline(time.Now().Add(timeout)); err == nil {
		defer out.SetReadDeadline(time.Time{})
	}

	n, err := io.ReadFull(out, buf[total:])
	total += n
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			d.mu.Lock()
			if d.out == out {
				d.pending = buf[:total]
			}
			d.mu.Unlock()
			return 0, sdr.ErrReadTimeout
		}
		return 0, sdr.Wrap(sdr.CodeAcquisitionFault, op, err)
	}

	convertIQ(dst, buf)
	return len(dst), nil
}

// convertIQ turns interleaved signed 8-bit IQ pairs into complex
// samples normalized to full scale.
func convertIQ(dst []complex64, buf []byte) {
	for i := range dst {
		dst[i] = complex(
			float32(int8(buf[i*2]))/128,
			float32(int8(buf[i*2+1]))/128,
		)
	}
}
