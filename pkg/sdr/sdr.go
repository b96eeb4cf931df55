// Package sdr abstracts the radio front ends the streaming pipeline
// captures from. Front ends register themselves by name; the session
// layer acquires one exclusively, configures it, and pulls fixed-size
// blocks of complex samples from it.
package sdr

import (
	"time"
)

// HackRF-class gain ladders. Values outside the ladder are rejected,
// never clamped.
const (
	LNAGainMin  = 0
	LNAGainMax  = 40
	LNAGainStep = 8

	VGAGainMin  = 0
	VGAGainMax  = 62
	VGAGainStep = 2
)

// Capture defaults matching the reference front end.
const (
	DefaultCenterFrequency = 100e6
	DefaultSampleRate      = 2e6
	DefaultLNAGain         = 32
	DefaultVGAGain         = 20
	DefaultBufferSize      = 256 * 1024
)

// Gains holds the two-stage receive gain setting.
type Gains struct {
	LNA int `json:"lna_gain"`
	VGA int `json:"vga_gain"`
}

// CaptureConfig is the full tuning state of a capture session. It is a
// value type: updates are swapped in as a whole struct, never field by
// field.
type CaptureConfig struct {
	CenterFrequency float64 `json:"center_freq"`
	SampleRate      float64 `json:"sample_rate"`
	LNAGain         int     `json:"lna_gain"`
	VGAGain         int     `json:"vga_gain"`
	BufferSize      int     `json:"buffer_size"`
}

// DefaultConfig returns the capture parameters used when a start request
// leaves fields unset.
func DefaultConfig() CaptureConfig {
	return CaptureConfig{
		CenterFrequency: DefaultCenterFrequency,
		SampleRate:      DefaultSampleRate,
		LNAGain:         DefaultLNAGain,
		VGAGain:         DefaultVGAGain,
		BufferSize:      DefaultBufferSize,
	}
}

// Gains returns the gain portion of the config.
func (c CaptureConfig) Gains() Gains {
	return Gains{LNA: c.LNAGain, VGA: c.VGAGain}
}

// WithGains returns a copy of the config with the gain stages replaced.
func (c CaptureConfig) WithGains(g Gains) CaptureConfig {
	c.LNAGain = g.LNA
	c.VGAGain = g.VGA
	return c
}

// Validate rejects configs a HackRF-class device cannot run.
func (c CaptureConfig) Validate() error {
	const op = "sdr.Validate"
	if c.CenterFrequency <= 0 {
		return Errorf(CodeConfigInvalid, op, "center frequency %.0f Hz must be positive", c.CenterFrequency)
	}
	if c.SampleRate <= 0 {
		return Errorf(CodeConfigInvalid, op, "sample rate %.0f Hz must be positive", c.SampleRate)
	}
	if c.BufferSize <= 0 {
		return Errorf(CodeConfigInvalid, op, "buffer size %d must be positive", c.BufferSize)
	}
	if err := ValidateGains(Gains{LNA: c.LNAGain, VGA: c.VGAGain}); err != nil {
		return err
	}
	return nil
}

// ValidateGains checks both gain stages against their ladders.
func ValidateGains(g Gains) error {
	const op = "sdr.ValidateGains"
	if !onLadder(g.LNA, LNAGainMin, LNAGainMax, LNAGainStep) {
		return Errorf(CodeConfigInvalid, op, "lna gain %d dB not in %d-%d step %d", g.LNA, LNAGainMin, LNAGainMax, LNAGainStep)
	}
	if !onLadder(g.VGA, VGAGainMin, VGAGainMax, VGAGainStep) {
		return Errorf(CodeConfigInvalid, op, "vga gain %d dB not in %d-%d step %d", g.VGA, VGAGainMin, VGAGainMax, VGAGainStep)
	}
	return nil
}

func onLadder(v, min, max, step int) bool {
	return v >= min && v <= max && (v-min)%step == 0
}

// SampleBlock is one fixed-size buffer of complex samples read from a
// device in a single call, tagged with the parameters actually applied
// at read time. Blocks are immutable once produced; the frequency axis
// of any derived spectrum comes from the block's own tag, never from
// a possibly retuned global config.
type SampleBlock struct {
	Samples   []complex64
	Config    CaptureConfig
	Timestamp time.Time
}

// Info describes an openable front end.
type Info struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Serial string `json:"serial,omitempty"`
}

// Device is one exclusively held radio front end. Configure and SetGains
// return the values the hardware actually applied, which may differ from
// the request on devices that quantize internally. ReadBlock fills dst
// completely or reports why it could not: ErrReadTimeout when the
// bounded wait expired, any other error when the stream is broken.
// Only one goroutine may call ReadBlock.
type Device interface {
	Info() Info
	Configure(cfg CaptureConfig) (CaptureConfig, error)
	SetGains(lna, vga int) (Gains, error)
	Start() error
	ReadBlock(dst []complex64, timeout time.Duration) (int, error)
	Stop() error
	Close() error
}
