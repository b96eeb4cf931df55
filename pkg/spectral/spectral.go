// Package spectral turns raw sample blocks into display-ready power
// spectra: Blackman window, complex FFT, center shift, power in dB,
// uniform-stride decimation down to a fixed point count.
package spectral

import (
	"math"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/window"

	"github.com/panorama/pkg/sdr"
)

const (
	// DefaultPointCount is the display resolution used when no explicit
	// target is configured.
	DefaultPointCount = 512

	// FloorDb is the display floor; no magnitude below it leaves the
	// transform, keeping renderer ranges stable.
	FloorDb = -120.0

	// epsilon keeps log10 finite on exact-zero bins. 1e-12 in the power
	// domain lands exactly on the -120 dB floor.
	epsilon = 1e-12
)

// Frame is one computed power spectrum ready for delivery. Frequencies
// ascend and always pair one-to-one with MagnitudesDb.
type Frame struct {
	Frequencies     []float64 `json:"frequencies"`
	MagnitudesDb    []float64 `json:"magnitudes"`
	Timestamp       time.Time `json:"timestamp"`
	CenterFrequency float64   `json:"center_frequency"`
}

// Analyzer converts sample blocks to frames of a fixed point count.
// Transform is deterministic for identical inputs. An Analyzer is not
// safe for concurrent use; the pipeline owns exactly one.
type Analyzer struct {
	points  int
	scratch []complex128
}

// NewAnalyzer returns an analyzer emitting frames of the given point
// count, or DefaultPointCount when points is not positive.
func NewAnalyzer(points int) *Analyzer {
	if points <= 0 {
		points = DefaultPointCount
	}
	return &Analyzer{points: points}
}

// Points reports the frame length this analyzer emits.
func (a *Analyzer) Points() int {
	return a.points
}

// Transform computes the power spectrum of one block. Malformed blocks
// (empty, shorter than the output point count, non-finite samples) fail
// with a transform_error; callers skip the block and keep the pipeline
// running.
func (a *Analyzer) Transform(block sdr.SampleBlock) (*Frame, error) {
	const op = "spectral.Transform"

	n := len(block.Samples)
	if n == 0 {
		return nil, sdr.Errorf(sdr.CodeTransformError, op, "empty sample block")
	}
	if n < a.points {
		return nil, sdr.Errorf(sdr.CodeTransformError, op, "block of %d samples cannot fill %d output points", n, a.points)
	}

	if len(a.scratch) != n {
		a.scratch = make([]complex128, n)
	}

	for i, s := range block.Samples {
		re := float64(real(s))
		im := float64(imag(s))
		if !isFinite(re) || !isFinite(im) {
			return nil, sdr.Errorf(sdr.CodeTransformError, op, "non-finite sample at index %d", i)
		}
		a.scratch[i] = complex(re, im)
	}
	window.BlackmanComplex(a.scratch)

	out := fft.FFT(a.scratch)

	stride := n / a.points
	half := n / 2
	binWidth := block.Config.SampleRate / float64(n)

	freqs := make([]float64, a.points)
	mags := make([]float64, a.points)
	for i := 0; i < a.points; i++ {
		// Shift so DC sits at the center, then keep every stride-th bin.
		src := (i*stride + half) % n
		re := real(out[src])
		im := imag(out[src])

		db := 10 * math.Log10(re*re+im*im+epsilon)
		if db < FloorDb {
			db = FloorDb
		}
		mags[i] = db
		freqs[i] = block.Config.CenterFrequency + float64(i*stride-half)*binWidth
	}

	return &Frame{
		Frequencies:     freqs,
		MagnitudesDb:    mags,
		Timestamp:       block.Timestamp,
		CenterFrequency: block.Config.CenterFrequency,
	}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
