// Package session owns the capture pipeline: one exclusively acquired
// device, a dedicated acquisition goroutine doing blocking reads, a
// bounded hand-off queue, and a processing task that transforms blocks
// into spectrum frames and fans them out to registered viewers.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/panorama/pkg/sdr"
	"github.com/panorama/pkg/spectral"
)

// State names the session lifecycle phase.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// DefaultJoinTimeout bounds how long teardown waits for the acquisition
// loop before force-releasing the device.
const DefaultJoinTimeout = 2 * time.Second

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	// Registry supplies acquirable front ends.
	Registry *sdr.Registry
	// FrontEnd names the front end to acquire; empty picks the first
	// enumerated one at start time.
	FrontEnd string
	// Points is the spectrum frame length delivered to viewers.
	Points int
	// QueueCapacity bounds the hand-off queue.
	QueueCapacity int
	// JoinTimeout bounds the acquisition loop join at teardown.
	JoinTimeout time.Duration
	// MaxFPS caps viewer deliveries; 0 delivers every block.
	MaxFPS int
}

// Manager arbitrates the single system-wide session: start, stop,
// retune, gain updates, viewer registration, and fault recovery. All
// methods are safe for concurrent use.
type Manager struct {
	registry    *sdr.Registry
	frontEnd    string
	points      int
	queueCap    int
	joinTimeout time.Duration
	maxFPS      int

	hub *viewerHub

	mu            sync.Mutex
	state         State
	sess          *session
	lastErr       error
	lastDrops     uint64
	lastTransform uint64

	tapMu sync.Mutex
	tap   *BlockTap
}

// SessionInfo identifies a freshly started session and the capture
// parameters the device actually applied.
type SessionInfo struct {
	ID     string            `json:"session_id"`
	Config sdr.CaptureConfig `json:"config"`
}

// Status is a point-in-time snapshot for the control surface.
type Status struct {
	State           State              `json:"state"`
	SessionID       string             `json:"session_id,omitempty"`
	FrontEnd        string             `json:"front_end,omitempty"`
	Config          *sdr.CaptureConfig `json:"config,omitempty"`
	Points          int                `json:"points"`
	DropCount       uint64             `json:"drop_count"`
	TransformErrors uint64             `json:"transform_errors"`
	Viewers         int                `json:"viewers"`
	LastError       string             `json:"last_error,omitempty"`
	LastErrorCode   string             `json:"last_error_code,omitempty"`
}

// NewManager returns an idle manager.
func NewManager(opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = sdr.DefaultRegistry()
	}
	if opts.Points <= 0 {
		opts.Points = spectral.DefaultPointCount
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	return &Manager{
		registry:    opts.Registry,
		frontEnd:    opts.FrontEnd,
		points:      opts.Points,
		queueCap:    opts.QueueCapacity,
		joinTimeout: opts.JoinTimeout,
		maxFPS:      opts.MaxFPS,
		hub:         newViewerHub(),
		state:       StateIdle,
	}
}

// FrontEnds lists the acquirable front ends.
func (m *Manager) FrontEnds() []sdr.Info {
	return m.registry.Enumerate()
}

// Start validates cfg, acquires a device exclusively, and launches the
// pipeline. It fails with busy while any session exists, config_invalid
// on bad parameters, and device_unavailable when no front end can be
// acquired. On success the session is Streaming.
func (m *Manager) Start(cfg sdr.CaptureConfig) (SessionInfo, error) {
	const op = "session.Start"

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return SessionInfo{}, sdr.Errorf(sdr.CodeBusy, op, "a session already exists (state %s)", state)
	}
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return SessionInfo{}, err
	}
	m.state = StateStarting
	m.mu.Unlock()

	name := m.frontEnd
	if name == "" {
		infos := m.registry.Enumerate()
		if len(infos) == 0 {
			return SessionInfo{}, m.failStart(sdr.Errorf(sdr.CodeDeviceUnavailable, op, "no front ends registered"))
		}
		name = infos[0].Name
	}

	dev, err := m.registry.Acquire(name)
	if err != nil {
		return SessionInfo{}, m.failStart(err)
	}

	applied, err := dev.Configure(cfg)
	if err != nil {
		dev.Close()
		return SessionInfo{}, m.failStart(codedOr(err, sdr.CodeDeviceUnavailable, op))
	}

	if err := dev.Start(); err != nil {
		dev.Close()
		return SessionInfo{}, m.failStart(sdr.Wrap(sdr.CodeDeviceUnavailable, op, err))
	}

	s := &session{
		id:       uuid.NewString(),
		frontEnd: name,
		device:   dev,
		queue:    newBlockQueue(m.queueCap),
		analyzer: spectral.NewAnalyzer(m.points),
		applied:  applied,
		control:  make(chan controlReq, 4),
		stop:     make(chan struct{}),
		acqDone:  make(chan struct{}),
		procDone: make(chan struct{}),
		fault:    make(chan error, 1),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.sess = s
	m.state = StateStreaming
	m.lastErr = nil
	m.mu.Unlock()

	go s.runAcquisition(m)
	go s.runProcessing(m)
	go m.supervise(s)

	glog.Infof("session %s streaming from %q at %.3f MHz, %.3f Msps, %d-sample blocks",
		s.id, name, applied.CenterFrequency/1e6, applied.SampleRate/1e6, applied.BufferSize)
	return SessionInfo{ID: s.id, Config: applied}, nil
}

// failStart rolls Starting back to Idle and records the error.
func (m *Manager) failStart(err error) error {
	m.mu.Lock()
	m.state = StateIdle
	m.lastErr = err
	m.mu.Unlock()
	return err
}

// Stop tears the active session down: the acquisition loop is signalled
// and joined with a bounded timeout, the queue is drained, the device
// released, and every viewer deregistered. Returns not_streaming when
// no session is Streaming.
func (m *Manager) Stop() error {
	const op = "session.Stop"

	m.mu.Lock()
	if m.state != StateStreaming || m.sess == nil {
		state := m.state
		m.mu.Unlock()
		return sdr.Errorf(sdr.CodeNotStreaming, op, "no active session (state %s)", state)
	}
	s := m.sess
	m.state = StateStopping
	m.mu.Unlock()

	glog.Infof("session %s stopping", s.id)
	m.teardown(s)
	return nil
}

// Retune updates the center frequency of the running session in place.
// The acquisition loop applies it at the next block boundary and
// subsequent blocks carry the applied value.
func (m *Manager) Retune(centerFrequency float64) (sdr.CaptureConfig, error) {
	const op = "session.Retune"

	s, err := m.streaming(op)
	if err != nil {
		return sdr.CaptureConfig{}, err
	}

	want := s.config()
	want.CenterFrequency = centerFrequency
	if err := want.Validate(); err != nil {
		return sdr.CaptureConfig{}, err
	}

	resp, err := s.submit(controlReq{config: &want}, m.controlTimeout(s))
	if err != nil {
		return sdr.CaptureConfig{}, err
	}
	glog.Infof("session %s retuned to %.3f MHz", s.id, resp.applied.CenterFrequency/1e6)
	return resp.applied, nil
}

// UpdateGains applies new gain stages to the running session and
// returns the values the device actually applied.
func (m *Manager) UpdateGains(lna, vga int) (sdr.Gains, error) {
	const op = "session.UpdateGains"

	g := sdr.Gains{LNA: lna, VGA: vga}
	if err := sdr.ValidateGains(g); err != nil {
		return sdr.Gains{}, err
	}

	s, err := m.streaming(op)
	if err != nil {
		return sdr.Gains{}, err
	}

	resp, err := s.submit(controlReq{gains: &g}, m.controlTimeout(s))
	if err != nil {
		return sdr.Gains{}, err
	}
	applied := resp.applied.Gains()
	glog.Infof("session %s gains now lna=%d vga=%d", s.id, applied.LNA, applied.VGA)
	return applied, nil
}

// Gains reports the gain stages of the running session.
func (m *Manager) Gains() (sdr.Gains, error) {
	s, err := m.streaming("session.Gains")
	if err != nil {
		return sdr.Gains{}, err
	}
	return s.config().Gains(), nil
}

func (m *Manager) streaming(op string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStreaming || m.sess == nil {
		return nil, sdr.Errorf(sdr.CodeNotStreaming, op, "no active session (state %s)", m.state)
	}
	return m.sess, nil
}

// controlTimeout bounds a control round trip: the loop picks requests
// up between read attempts, so one block fill plus the join budget
// covers even a device that answers slowly.
func (m *Manager) controlTimeout(s *session) time.Duration {
	return blockDuration(s.config()) + m.joinTimeout
}

// Subscribe registers a delivery sink. Registration is independent of
// session state; frames flow while a session is Streaming and the
// registration ends at viewer Close or session teardown.
func (m *Manager) Subscribe(name string) *Viewer {
	v := m.hub.add(name)
	glog.Infof("viewer %s registered (%s), %d connected", v.id, name, m.hub.count())
	return v
}

// Unsubscribe ends a registration. Safe to call twice.
func (m *Manager) Unsubscribe(v *Viewer) {
	m.hub.remove(v)
	glog.Infof("viewer %s deregistered, %d connected", v.id, m.hub.count())
}

// Status snapshots the manager for the control surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:           m.state,
		Points:          m.points,
		DropCount:       m.lastDrops,
		TransformErrors: m.lastTransform,
	}
	if m.sess != nil {
		cfg := m.sess.config()
		st.SessionID = m.sess.id
		st.FrontEnd = m.sess.frontEnd
		st.Config = &cfg
		st.DropCount = m.sess.queue.Drops()
		st.TransformErrors = m.sess.transformErrs.Load()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
		st.LastErrorCode = string(sdr.CodeOf(m.lastErr))
	}
	m.mu.Unlock()

	st.Viewers = m.hub.count()
	return st
}

// supervise waits for an acquisition fault and drives the Error
// transition: notify every viewer, then clean up exactly like Stop so
// the manager always lands back at Idle.
func (m *Manager) supervise(s *session) {
	select {
	case err := <-s.fault:
		m.mu.Lock()
		interrupted := m.state == StateStopping || m.sess != s
		if !interrupted {
			m.state = StateError
			m.lastErr = err
		}
		m.mu.Unlock()
		if interrupted {
			// Stop owns teardown already; the fault lost the race.
			return
		}

		glog.Errorf("session %s fault: %v", s.id, err)
		m.hub.broadcast(Envelope{Err: err})
		m.teardown(s)

	case <-s.done:
	}
}

// teardown is the single cleanup path shared by Stop and the fault
// handler. It is idempotent; every caller returns once cleanup is done.
func (m *Manager) teardown(s *session) {
	s.teardownOnce.Do(func() {
		close(s.stop)

		forced := false
		select {
		case <-s.acqDone:
		case <-time.After(m.joinTimeout):
			glog.Errorf("session %s: acquisition loop still blocked after %v, force releasing device", s.id, m.joinTimeout)
			s.device.Close()
			forced = true
		}

		select {
		case <-s.procDone:
		case <-time.After(time.Second):
			glog.Warningf("session %s: processing task slow to exit", s.id)
		}

		if n := s.queue.Drain(); n > 0 {
			glog.Infof("session %s: discarded %d queued blocks", s.id, n)
		}

		if !forced {
			if err := s.device.Stop(); err != nil {
				glog.Warningf("session %s: device stop: %v", s.id, err)
			}
		}
		if err := s.device.Close(); err != nil && !forced {
			glog.Warningf("session %s: device close: %v", s.id, err)
		}

		m.hub.removeAll()

		m.mu.Lock()
		if m.sess == s {
			m.sess = nil
			m.state = StateIdle
		}
		m.lastDrops = s.queue.Drops()
		m.lastTransform = s.transformErrs.Load()
		m.mu.Unlock()

		glog.Infof("session %s idle (%d blocks dropped, %d transform errors)",
			s.id, s.queue.Drops(), s.transformErrs.Load())
		close(s.done)
	})
	<-s.done
}

// BlockTap receives a copy of every produced block without occupying
// the hand-off queue's consumer slot. One tap may be open at a time;
// its channel drops blocks rather than slowing the pipeline.
type BlockTap struct {
	C <-chan sdr.SampleBlock

	m    *Manager
	ch   chan sdr.SampleBlock
	once sync.Once
}

// OpenBlockTap attaches the single block tap, failing with busy while
// another tap is open.
func (m *Manager) OpenBlockTap(buffer int) (*BlockTap, error) {
	const op = "session.OpenBlockTap"
	if buffer <= 0 {
		buffer = 4
	}

	m.tapMu.Lock()
	defer m.tapMu.Unlock()
	if m.tap != nil {
		return nil, sdr.Errorf(sdr.CodeBusy, op, "a block tap is already open")
	}
	t := &BlockTap{m: m, ch: make(chan sdr.SampleBlock, buffer)}
	t.C = t.ch
	m.tap = t
	return t, nil
}

// Close detaches the tap and closes its channel.
func (t *BlockTap) Close() {
	t.once.Do(func() {
		t.m.tapMu.Lock()
		if t.m.tap == t {
			t.m.tap = nil
		}
		close(t.ch)
		t.m.tapMu.Unlock()
	})
}

func (m *Manager) offerTap(b sdr.SampleBlock) {
	m.tapMu.Lock()
	if t := m.tap; t != nil {
		select {
		case t.ch <- b:
		default:
		}
	}
	m.tapMu.Unlock()
}

// codedOr preserves a taxonomy code when err already carries one and
// otherwise wraps err under the given fallback code.
func codedOr(err error, code sdr.ErrorCode, op string) error {
	var se *sdr.Error
	if errors.As(err, &se) {
		return err
	}
	return sdr.Wrap(code, op, err)
}
