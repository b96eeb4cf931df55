package session

import (
	"errors"
	"testing"
	"time"

	"github.com/panorama/pkg/spectral"
)

func frameAt(center float64) *spectral.Frame {
	return &spectral.Frame{
		Frequencies:     []float64{center},
		MagnitudesDb:    []float64{-50},
		Timestamp:       time.Now(),
		CenterFrequency: center,
	}
}

func TestViewerKeepsOnlyLatestEnvelope(t *testing.T) {
	h := newViewerHub()
	v := h.add("test")

	h.broadcast(Envelope{Frame: frameAt(100e6)})
	h.broadcast(Envelope{Frame: frameAt(101e6)})

	select {
	case env := <-v.Frames():
		if env.Frame.CenterFrequency != 101e6 {
			t.Fatalf("delivered frame at %.0f Hz, want the newer 101 MHz frame", env.Frame.CenterFrequency)
		}
	default:
		t.Fatal("no envelope delivered")
	}
	select {
	case env := <-v.Frames():
		t.Fatalf("second envelope %+v delivered, want the stale one evicted", env)
	default:
	}
}

func TestErrorEnvelopeSurvivesLateFrames(t *testing.T) {
	h := newViewerHub()
	v := h.add("test")
	fault := errors.New("device unplugged")

	h.broadcast(Envelope{Frame: frameAt(100e6)})
	h.broadcast(Envelope{Err: fault})
	// A frame still in flight when the fault went out must not evict
	// the error notification.
	h.broadcast(Envelope{Frame: frameAt(100e6)})

	select {
	case env := <-v.Frames():
		if !errors.Is(env.Err, fault) {
			t.Fatalf("delivered %+v, want the fault envelope", env)
		}
	default:
		t.Fatal("fault envelope was not delivered")
	}
}

func TestRemoveSignalsDoneOnce(t *testing.T) {
	h := newViewerHub()
	v := h.add("test")
	if h.count() != 1 {
		t.Fatalf("count = %d after add, want 1", h.count())
	}

	h.remove(v)
	h.remove(v) // must be safe to repeat

	select {
	case <-v.Done():
	default:
		t.Fatal("Done not signalled after remove")
	}
	if h.count() != 0 {
		t.Fatalf("count = %d after remove, want 0", h.count())
	}
}

func TestRemoveAllEndsEveryRegistration(t *testing.T) {
	h := newViewerHub()
	a, b := h.add("a"), h.add("b")

	h.broadcast(Envelope{Err: errors.New("fault")})
	h.removeAll()

	for _, v := range []*Viewer{a, b} {
		select {
		case <-v.Done():
		default:
			t.Fatalf("viewer %s still registered after removeAll", v.Name())
		}
	}
	if h.count() != 0 {
		t.Fatalf("count = %d after removeAll, want 0", h.count())
	}

	// A new registration after cleanup receives frames again.
	c := h.add("c")
	h.broadcast(Envelope{Frame: frameAt(100e6)})
	select {
	case env := <-c.Frames():
		if env.Frame == nil {
			t.Fatalf("delivered %+v, want a frame", env)
		}
	default:
		t.Fatal("no frame delivered after hub reset")
	}
}
