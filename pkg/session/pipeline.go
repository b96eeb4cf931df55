package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/panorama/pkg/sdr"
	"github.com/panorama/pkg/spectral"
)

// popTimeout bounds each queue wait in the processing task so it can
// notice teardown even when the producer has gone quiet.
const popTimeout = 200 * time.Millisecond

// readAttemptTimeout bounds one device read attempt so the acquisition
// loop can observe stop and control requests. Front ends carry partial
// blocks across attempts, so large blocks still complete.
const readAttemptTimeout = 50 * time.Millisecond

// readStallAfter is how long the loop tolerates a front end producing
// nothing before warning about it.
const readStallAfter = 5 * time.Second

// dropWarnEvery rate-limits queue overflow warnings.
const dropWarnEvery = 100

// controlReq carries one device update into the acquisition loop, which
// applies it between blocks. Exactly one of gains or config is set.
type controlReq struct {
	gains  *sdr.Gains
	config *sdr.CaptureConfig
	reply  chan controlResp
}

type controlResp struct {
	applied sdr.CaptureConfig
	err     error
}

// session is one capture run. The acquisition goroutine is the only
// caller of the device while the run lives; all other parties reach the
// device through the control channel.
type session struct {
	id       string
	frontEnd string
	device   sdr.Device
	queue    *blockQueue
	analyzer *spectral.Analyzer

	mu      sync.Mutex
	applied sdr.CaptureConfig

	control chan controlReq
	stop    chan struct{}

	acqDone  chan struct{}
	procDone chan struct{}
	fault    chan error
	done     chan struct{}

	teardownOnce  sync.Once
	transformErrs atomic.Uint64
}

func (s *session) config() sdr.CaptureConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

func (s *session) setConfig(cfg sdr.CaptureConfig) {
	s.mu.Lock()
	s.applied = cfg
	s.mu.Unlock()
}

// submit hands req to the acquisition loop and waits for the apply.
func (s *session) submit(req controlReq, timeout time.Duration) (controlResp, error) {
	const op = "session.control"
	req.reply = make(chan controlResp, 1)

	select {
	case s.control <- req:
	case <-s.done:
		return controlResp{}, sdr.Errorf(sdr.CodeNotStreaming, op, "session ended")
	case <-time.After(timeout):
		return controlResp{}, sdr.Errorf(sdr.CodeAcquisitionFault, op, "control queue stalled for %v", timeout)
	}

	select {
	case resp := <-req.reply:
		if resp.err != nil {
			return controlResp{}, resp.err
		}
		return resp, nil
	case <-s.done:
		// The loop may have replied just before the run ended.
		select {
		case resp := <-req.reply:
			if resp.err != nil {
				return controlResp{}, resp.err
			}
			return resp, nil
		default:
		}
		return controlResp{}, sdr.Errorf(sdr.CodeNotStreaming, op, "session ended before the update applied")
	case <-time.After(timeout):
		return controlResp{}, sdr.Errorf(sdr.CodeAcquisitionFault, op, "update did not apply within %v", timeout)
	}
}

func (s *session) reportFault(err error) {
	select {
	case s.fault <- err:
	default:
	}
}

// blockDuration is how long one block takes to fill at the configured
// sample rate.
func blockDuration(cfg sdr.CaptureConfig) time.Duration {
	return time.Duration(float64(cfg.BufferSize) / cfg.SampleRate * float64(time.Second))
}

// runAcquisition is the producer: apply pending control updates, read
// one block, push it. It never blocks on the queue and never touches a
// viewer. Exits on stop, or reports a fault and exits.
func (s *session) runAcquisition(m *Manager) {
	defer close(s.acqDone)

	lastBlock := time.Now()
	var lastStallWarn time.Time
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if !s.applyControl() {
			return
		}

		cfg := s.config()
		buf := make([]complex64, cfg.BufferSize)
		n, err := s.device.ReadBlock(buf, readAttemptTimeout)
		if err != nil {
			if errors.Is(err, sdr.ErrReadTimeout) {
				// Timeouts on a single attempt are routine when a
				// block spans several of them; only a long gap since
				// the last completed block means trouble.
				if time.Since(lastBlock) > readStallAfter && time.Since(lastStallWarn) > readStallAfter {
					glog.Warningf("session %s: no samples for %v, front end stalled",
						s.id, time.Since(lastBlock).Round(time.Second))
					lastStallWarn = time.Now()
				}
				continue
			}
			select {
			case <-s.stop:
				// Teardown closed the device under us.
				return
			default:
			}
			s.reportFault(codedOr(err, sdr.CodeAcquisitionFault, "session.read"))
			return
		}

		lastBlock = time.Now()
		block := sdr.SampleBlock{Samples: buf[:n], Config: cfg, Timestamp: lastBlock}
		if !s.queue.Push(block) {
			if drops := s.queue.Drops(); drops == 1 || drops%dropWarnEvery == 0 {
				glog.Warningf("session %s: hand-off queue full, dropped block (%d total)", s.id, drops)
			}
		}
	}
}

// applyControl drains pending updates at a block boundary. Returns
// false when an update hit a device fault that ends the run.
func (s *session) applyControl() bool {
	for {
		select {
		case req := <-s.control:
			resp := s.applyOne(req)
			req.reply <- resp
			if resp.err != nil && sdr.IsCode(resp.err, sdr.CodeAcquisitionFault) {
				s.reportFault(resp.err)
				return false
			}
		default:
			return true
		}
	}
}

func (s *session) applyOne(req controlReq) controlResp {
	cur := s.config()
	switch {
	case req.gains != nil:
		applied, err := s.device.SetGains(req.gains.LNA, req.gains.VGA)
		if err != nil {
			return controlResp{err: codedOr(err, sdr.CodeAcquisitionFault, "session.gains")}
		}
		cur = cur.WithGains(applied)
	case req.config != nil:
		applied, err := s.device.Configure(*req.config)
		if err != nil {
			return controlResp{err: codedOr(err, sdr.CodeAcquisitionFault, "session.retune")}
		}
		cur = applied
	default:
		return controlResp{applied: cur}
	}
	s.setConfig(cur)
	return controlResp{applied: cur}
}

// runProcessing is the consumer: pop, transform, fan out. A block that
// fails to transform is logged and skipped; delivery uses the hub's
// replace-stale semantics so no viewer accumulates backlog.
func (s *session) runProcessing(m *Manager) {
	defer close(s.procDone)

	var minInterval time.Duration
	if m.maxFPS > 0 {
		minInterval = time.Second / time.Duration(m.maxFPS)
	}
	var lastDelivery time.Time

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		block, ok := s.queue.Pop(popTimeout)
		if !ok {
			continue
		}

		m.offerTap(block)

		frame, err := s.analyzer.Transform(block)
		if err != nil {
			n := s.transformErrs.Add(1)
			glog.Warningf("session %s: skipping block: %v (%d so far)", s.id, err, n)
			continue
		}

		if minInterval > 0 && time.Since(lastDelivery) < minInterval {
			continue
		}
		m.hub.broadcast(Envelope{Frame: frame})
		lastDelivery = time.Now()
	}
}
