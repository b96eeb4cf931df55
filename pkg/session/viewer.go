package session

import (
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/panorama/pkg/spectral"
)

// Envelope is one delivery to a viewer: a spectrum frame, or a terminal
// error notification when the session faults.
type Envelope struct {
	Frame *spectral.Frame
	Err   error
}

// Viewer is one registered delivery sink. It carries no backlog: the
// channel holds at most the latest undelivered envelope, and a viewer
// that stops draining is deregistered. After Done is signalled the
// consumer should drain Frames once more so a terminal error envelope
// is not lost to select ordering.
type Viewer struct {
	id   string
	name string
	hub  *viewerHub
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

// ID returns the registration's unique identifier.
func (v *Viewer) ID() string { return v.id }

// Name returns the caller-supplied label, typically a remote address.
func (v *Viewer) Name() string { return v.name }

// Frames delivers envelopes in production order.
func (v *Viewer) Frames() <-chan Envelope { return v.ch }

// Done is signalled when the registration ends, either by Close or by
// session teardown.
func (v *Viewer) Done() <-chan struct{} { return v.done }

// Close ends the registration. Safe to call more than once and after
// the hub has already dropped the viewer.
func (v *Viewer) Close() {
	v.hub.remove(v)
}

type viewerHub struct {
	mu      sync.RWMutex
	viewers map[*Viewer]struct{}
	// terminal latches once an error envelope goes out so a late frame
	// cannot evict it from a viewer's slot.
	terminal bool
}

func newViewerHub() *viewerHub {
	return &viewerHub{viewers: make(map[*Viewer]struct{})}
}

func (h *viewerHub) add(name string) *Viewer {
	v := &Viewer{
		id:   uuid.NewString(),
		name: name,
		hub:  h,
		ch:   make(chan Envelope, 1),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.viewers[v] = struct{}{}
	h.mu.Unlock()
	return v
}

func (h *viewerHub) remove(v *Viewer) {
	h.mu.Lock()
	_, registered := h.viewers[v]
	delete(h.viewers, v)
	h.mu.Unlock()
	if registered {
		v.once.Do(func() { close(v.done) })
	}
}

func (h *viewerHub) removeAll() {
	h.mu.Lock()
	viewers := h.viewers
	h.viewers = make(map[*Viewer]struct{})
	h.terminal = false
	h.mu.Unlock()
	for v := range viewers {
		v.once.Do(func() { close(v.done) })
	}
}

func (h *viewerHub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.viewers)
}

// broadcast offers e to every registered viewer without blocking the
// pipeline. A viewer holding a stale envelope has it evicted so the
// newest one lands; a viewer that cannot accept even then is dropped.
func (h *viewerHub) broadcast(e Envelope) {
	var dead []*Viewer

	if e.Err != nil {
		h.mu.Lock()
		h.terminal = true
		h.mu.Unlock()
	}

	h.mu.RLock()
	if e.Err == nil && h.terminal {
		h.mu.RUnlock()
		return
	}
	for v := range h.viewers {
		select {
		case v.ch <- e:
			continue
		default:
		}
		select {
		case <-v.ch:
		default:
		}
		select {
		case v.ch <- e:
		default:
			dead = append(dead, v)
		}
	}
	h.mu.RUnlock()

	for _, v := range dead {
		glog.Warningf("dropping unresponsive viewer %s (%s)", v.id, v.name)
		h.remove(v)
	}
}
