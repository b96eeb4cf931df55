package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panorama/pkg/sdr"
	"github.com/panorama/pkg/spectral"
)

// fakeDevice produces a steady DC tone and records every control call,
// so pipeline behavior can be asserted without hardware.
type fakeDevice struct {
	mu       sync.Mutex
	cfg      sdr.CaptureConfig
	started  bool
	closed   bool
	gainSets []sdr.Gains
	tunes    []float64
	failRead error
	delay    time.Duration
}

func (d *fakeDevice) Info() sdr.Info {
	return sdr.Info{Name: "fake0", Driver: "fake", Serial: "f-000"}
}

func (d *fakeDevice) Configure(cfg sdr.CaptureConfig) (sdr.CaptureConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.tunes = append(d.tunes, cfg.CenterFrequency)
	return cfg, nil
}

func (d *fakeDevice) SetGains(lna, vga int) (sdr.Gains, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := sdr.Gains{LNA: lna, VGA: vga}
	d.gainSets = append(d.gainSets, g)
	d.cfg = d.cfg.WithGains(g)
	return g, nil
}

func (d *fakeDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDevice) ReadBlock(dst []complex64, timeout time.Duration) (int, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	err := d.failRead
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, errors.New("fake: read on closed device")
	}
	if err != nil {
		return 0, err
	}
	for i := range dst {
		dst[i] = complex(0.5, 0)
	}
	return len(dst), nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) setFailRead(err error) {
	d.mu.Lock()
	d.failRead = err
	d.mu.Unlock()
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func newTestManager(dev *fakeDevice) *Manager {
	reg := sdr.NewRegistry()
	reg.Register(dev.Info(), func() (sdr.Device, error) { return dev, nil })
	return NewManager(Options{Registry: reg, Points: 64})
}

func testConfig() sdr.CaptureConfig {
	cfg := sdr.DefaultConfig()
	cfg.BufferSize = 2048
	return cfg
}

// nextEnvelope waits for one delivery, failing the test on timeout.
func nextEnvelope(t *testing.T, v *Viewer, within time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-v.Frames():
		return env
	case <-time.After(within):
		t.Fatalf("no delivery within %v", within)
		return Envelope{}
	}
}

func nextFrame(t *testing.T, v *Viewer, within time.Duration) *spectral.Frame {
	t.Helper()
	env := nextEnvelope(t, v, within)
	if env.Err != nil {
		t.Fatalf("unexpected error envelope: %v", env.Err)
	}
	return env.Frame
}

func waitState(t *testing.T, m *Manager, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m.Status().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %v", m.Status().State, want, within)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(&fakeDevice{})

	cfg := testConfig()
	cfg.LNAGain = 7 // off the 8 dB ladder
	if _, err := m.Start(cfg); !sdr.IsCode(err, sdr.CodeConfigInvalid) {
		t.Fatalf("Start with bad gain: err = %v, want config_invalid", err)
	}
	if got := m.Status().State; got != StateIdle {
		t.Fatalf("state after rejected start = %s, want idle", got)
	}
}

func TestSecondStartIsBusyUntilStopped(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	m := newTestManager(dev)

	info, err := m.Start(testConfig())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if info.ID == "" {
		t.Fatal("first Start returned an empty session id")
	}

	if _, err := m.Start(testConfig()); !sdr.IsCode(err, sdr.CodeBusy) {
		t.Fatalf("second Start: err = %v, want busy", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.Status().State; got != StateIdle {
		t.Fatalf("state after Stop = %s, want idle", got)
	}
	if !dev.isClosed() {
		t.Fatal("device not closed after Stop")
	}

	// The front end is free again.
	dev2 := &fakeDevice{}
	reg := sdr.NewRegistry()
	reg.Register(dev2.Info(), func() (sdr.Device, error) { return dev2, nil })
	m2 := NewManager(Options{Registry: reg, Points: 64})
	if _, err := m2.Start(testConfig()); err != nil {
		t.Fatalf("restart on fresh manager: %v", err)
	}
	if err := m2.Stop(); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func TestStopWithoutSessionIsNotStreaming(t *testing.T) {
	m := newTestManager(&fakeDevice{})
	if err := m.Stop(); !sdr.IsCode(err, sdr.CodeNotStreaming) {
		t.Fatalf("Stop while idle: err = %v, want not_streaming", err)
	}
}

func TestViewersReceiveFramesUntilStop(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	m := newTestManager(dev)

	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := m.Subscribe("test-viewer")

	frame := nextFrame(t, v, 2*time.Second)
	if got := len(frame.Frequencies); got != 64 {
		t.Fatalf("frame carries %d points, want 64", got)
	}
	if frame.CenterFrequency != testConfig().CenterFrequency {
		t.Fatalf("frame tagged %.0f Hz, want %.0f", frame.CenterFrequency, testConfig().CenterFrequency)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-v.Done():
	case <-time.After(time.Second):
		t.Fatal("viewer not deregistered by Stop")
	}

	// At most one envelope may still sit in the slot from before the
	// stop; after that the stream is silent.
	select {
	case <-v.Frames():
	default:
	}
	select {
	case env := <-v.Frames():
		t.Fatalf("delivery %+v after Stop returned", env)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRetuneTagsSubsequentFrames(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	m := newTestManager(dev)

	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	v := m.Subscribe("test-viewer")

	if f := nextFrame(t, v, 2*time.Second); f.CenterFrequency != 100e6 {
		t.Fatalf("initial frame at %.0f Hz, want 100 MHz", f.CenterFrequency)
	}

	applied, err := m.Retune(98e6)
	if err != nil {
		t.Fatalf("Retune: %v", err)
	}
	if applied.CenterFrequency != 98e6 {
		t.Fatalf("Retune applied %.0f Hz, want 98 MHz", applied.CenterFrequency)
	}

	// Frames switch to the new center and never mix axes: each frame is
	// entirely old or entirely new, and once the new center shows up the
	// old one never reappears.
	deadline := time.After(5 * time.Second)
	seenNew := false
	for !seenNew {
		var frame *spectral.Frame
		select {
		case env := <-v.Frames():
			if env.Err != nil {
				t.Fatalf("error envelope during retune: %v", env.Err)
			}
			frame = env.Frame
		case <-deadline:
			t.Fatal("no frame at the new center frequency")
		}
		switch frame.CenterFrequency {
		case 100e6:
		case 98e6:
			seenNew = true
		default:
			t.Fatalf("frame at unexpected center %.0f Hz", frame.CenterFrequency)
		}
		if mid := frame.Frequencies[len(frame.Frequencies)/2]; mid != frame.CenterFrequency {
			t.Fatalf("axis midpoint %.0f Hz does not match tag %.0f Hz", mid, frame.CenterFrequency)
		}
	}
	for i := 0; i < 3; i++ {
		if f := nextFrame(t, v, 2*time.Second); f.CenterFrequency != 98e6 {
			t.Fatalf("frame regressed to %.0f Hz after retune", f.CenterFrequency)
		}
	}
}

func TestUpdateGainsAppliesBetweenBlocks(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	m := newTestManager(dev)

	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	applied, err := m.UpdateGains(40, 30)
	if err != nil {
		t.Fatalf("UpdateGains: %v", err)
	}
	if applied.LNA != 40 || applied.VGA != 30 {
		t.Fatalf("applied gains = %+v, want lna=40 vga=30", applied)
	}

	// Blocks read after the update carry the new gains in their tag. A
	// few pre-update blocks may still drain through first.
	tap, err := m.OpenBlockTap(4)
	if err != nil {
		t.Fatalf("OpenBlockTap: %v", err)
	}
	defer tap.Close()
	deadline := time.After(2 * time.Second)
retag:
	for {
		select {
		case b := <-tap.C:
			if b.Config.Gains() == applied {
				break retag
			}
		case <-deadline:
			t.Fatal("no block tagged with the new gains")
		}
	}

	dev.mu.Lock()
	sets := len(dev.gainSets)
	last := sdr.Gains{}
	if sets > 0 {
		last = dev.gainSets[sets-1]
	}
	dev.mu.Unlock()
	if sets != 1 || last != (sdr.Gains{LNA: 40, VGA: 30}) {
		t.Fatalf("device saw %d gain updates (last %+v), want exactly one of lna=40 vga=30", sets, last)
	}

	if cur, err := m.Gains(); err != nil || cur.LNA != 40 || cur.VGA != 30 {
		t.Fatalf("Gains() = %+v, %v; want the applied values", cur, err)
	}

	// Off-ladder values are rejected without touching the device.
	if _, err := m.UpdateGains(7, 30); !sdr.IsCode(err, sdr.CodeConfigInvalid) {
		t.Fatalf("off-ladder gains: err = %v, want config_invalid", err)
	}
	dev.mu.Lock()
	sets = len(dev.gainSets)
	dev.mu.Unlock()
	if sets != 1 {
		t.Fatalf("device saw %d gain updates after a rejected request, want 1", sets)
	}
}

func TestControlWhileIdleIsNotStreaming(t *testing.T) {
	m := newTestManager(&fakeDevice{})
	if _, err := m.UpdateGains(32, 20); !sdr.IsCode(err, sdr.CodeNotStreaming) {
		t.Fatalf("UpdateGains while idle: err = %v, want not_streaming", err)
	}
	if _, err := m.Retune(98e6); !sdr.IsCode(err, sdr.CodeNotStreaming) {
		t.Fatalf("Retune while idle: err = %v, want not_streaming", err)
	}
}

func TestReadFaultNotifiesViewersAndRecovers(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	reg := sdr.NewRegistry()
	reg.Register(dev.Info(), func() (sdr.Device, error) { return dev, nil })
	m := NewManager(Options{Registry: reg, Points: 64})

	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	v := m.Subscribe("test-viewer")
	nextFrame(t, v, 2*time.Second)

	dev.setFailRead(errors.New("usb transfer failed"))

	// Exactly one terminal error envelope, then deregistration.
	var faults int
	deadline := time.After(3 * time.Second)
drain:
	for {
		select {
		case env := <-v.Frames():
			if env.Err != nil {
				faults++
				if !sdr.IsCode(env.Err, sdr.CodeAcquisitionFault) {
					t.Fatalf("fault envelope carries %v, want acquisition_fault", env.Err)
				}
			}
		case <-v.Done():
			break drain
		case <-deadline:
			t.Fatal("viewer never deregistered after the fault")
		}
	}
	// The slot may still hold the terminal envelope.
	select {
	case env := <-v.Frames():
		if env.Err != nil {
			faults++
		}
	default:
	}
	if faults != 1 {
		t.Fatalf("viewer saw %d error envelopes, want exactly 1", faults)
	}

	waitState(t, m, StateIdle, 3*time.Second)
	st := m.Status()
	if st.LastErrorCode != string(sdr.CodeAcquisitionFault) {
		t.Fatalf("last error code = %q, want acquisition_fault", st.LastErrorCode)
	}
	if !dev.isClosed() {
		t.Fatal("device not released after fault")
	}

	// The slot is free: a new session starts cleanly.
	dev2 := &fakeDevice{delay: time.Millisecond}
	reg.Register(dev2.Info(), func() (sdr.Device, error) { return dev2, nil })
	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("restart after fault: %v", err)
	}
	v2 := m.Subscribe("test-viewer-2")
	nextFrame(t, v2, 2*time.Second)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop after recovery: %v", err)
	}
}

func TestBlockTapSeesRawBlocks(t *testing.T) {
	dev := &fakeDevice{delay: time.Millisecond}
	m := newTestManager(dev)

	tap, err := m.OpenBlockTap(4)
	if err != nil {
		t.Fatalf("OpenBlockTap: %v", err)
	}
	if _, err := m.OpenBlockTap(4); !sdr.IsCode(err, sdr.CodeBusy) {
		t.Fatalf("second tap: err = %v, want busy", err)
	}

	if _, err := m.Start(testConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	select {
	case b := <-tap.C:
		if len(b.Samples) != testConfig().BufferSize {
			t.Fatalf("tapped block has %d samples, want %d", len(b.Samples), testConfig().BufferSize)
		}
		if b.Config.CenterFrequency != testConfig().CenterFrequency {
			t.Fatalf("tapped block tagged %.0f Hz, want %.0f", b.Config.CenterFrequency, testConfig().CenterFrequency)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no block reached the tap")
	}

	tap.Close()
	tap.Close() // safe to repeat

	if _, err := m.OpenBlockTap(4); err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
}
