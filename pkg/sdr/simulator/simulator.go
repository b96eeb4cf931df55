// Package simulator provides an in-process front end that synthesizes a
// dithered complex tone, for development and tests without hardware.
package simulator

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/panorama/pkg/sdr"
)

// DefaultToneOffset places the synthetic carrier 250 kHz above the
// tuned center so it lands inside any plausible span.
const DefaultToneOffset = 250e3

// Device synthesizes a tone at a fixed offset from the tuned center.
// Gain settings scale the tone amplitude so gain changes show up in
// delivered spectra, and reads are paced at the configured sample rate
// so downstream timing behaves like a real front end.
type Device struct {
	toneOffset float64

	mu       sync.Mutex
	cfg      sdr.CaptureConfig
	started  bool
	closed   bool
	phase    float64
	rng      *rand.Rand
	lastRead time.Time
}

// New returns a simulator tuned per the capture defaults. A zero
// toneOffset selects DefaultToneOffset.
func New(toneOffset float64) *Device {
	if toneOffset == 0 {
		toneOffset = DefaultToneOffset
	}
	return &Device{
		toneOffset: toneOffset,
		cfg:        sdr.DefaultConfig(),
		// Local source: the global one takes a lock per sample.
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (d *Device) Info() sdr.Info {
	return sdr.Info{Name: "sim0", Driver: "simulator", Serial: "SIM-0001"}
}

func (d *Device) Configure(cfg sdr.CaptureConfig) (sdr.CaptureConfig, error) {
	const op = "simulator.Configure"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.CaptureConfig{}, sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.cfg = cfg
	return d.cfg, nil
}

func (d *Device) SetGains(lna, vga int) (sdr.Gains, error) {
	const op = "simulator.SetGains"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.Gains{}, sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.cfg = d.cfg.WithGains(sdr.Gains{LNA: lna, VGA: vga})
	return d.cfg.Gains(), nil
}

func (d *Device) Start() error {
	const op = "simulator.Start"
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return sdr.Errorf(sdr.CodeDeviceUnavailable, op, "front end closed")
	}
	d.started = true
	d.lastRead = time.Now()
	return nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	d.started = false
	d.mu.Unlock()
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	d.started = false
	d.closed = true
	d.mu.Unlock()
	return nil
}

// ReadBlock fills dst with tone samples, sleeping as needed so blocks
// emerge at the configured sample rate.
func (d *Device) ReadBlock(dst []complex64, timeout time.Duration) (int, error) {
	const op = "simulator.ReadBlock"

	d.mu.Lock()
	if d.closed || !d.started {
		d.mu.Unlock()
		return 0, sdr.Errorf(sdr.CodeAcquisitionFault, op, "read on a stopped front end")
	}
	cfg := d.cfg
	next := d.lastRead.Add(time.Duration(float64(len(dst)) / cfg.SampleRate * float64(time.Second)))
	d.mu.Unlock()

	if wait := time.Until(next); wait > 0 {
		if wait > timeout {
			time.Sleep(timeout)
			return 0, sdr.ErrReadTimeout
		}
		time.Sleep(wait)
	}

	amp := toneAmplitude(cfg.LNAGain, cfg.VGAGain)
	step := 2 * math.Pi * d.toneOffset / cfg.SampleRate

	d.mu.Lock()
	for i := range dst {
		// Triangular dither turns quantization spurs into a flat floor.
		di := (d.rng.Float64() - d.rng.Float64()) / 128
		dq := (d.rng.Float64() - d.rng.Float64()) / 128
		dst[i] = complex(
			float32(amp*math.Cos(d.phase)+di),
			float32(amp*math.Sin(d.phase)+dq),
		)
		d.phase += step
		if d.phase > 2*math.Pi {
			d.phase -= 2 * math.Pi
		} else if d.phase < -2*math.Pi {
			d.phase += 2 * math.Pi
		}
	}
	d.lastRead = time.Now()
	d.mu.Unlock()

	return len(dst), nil
}

// toneAmplitude maps the gain stages onto a full-scale fraction, with
// the capture defaults landing at half scale and the front end
// saturating at full scale.
func toneAmplitude(lna, vga int) float64 {
	db := float64(lna + vga - sdr.DefaultLNAGain - sdr.DefaultVGAGain)
	amp := 0.5 * math.Pow(10, db/20)
	if amp > 1 {
		amp = 1
	}
	return amp
}
