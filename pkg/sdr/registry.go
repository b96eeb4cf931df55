package sdr

import (
	"sort"
	"sync"
)

// Opener opens one exclusively held device for a registered front end.
type Opener func() (Device, error)

// Registry tracks the front ends a process can capture from and
// enforces exclusive acquisition per front end.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
}

type registryEntry struct {
	info   Info
	opener Opener
	held   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]*registryEntry{}}
}

// Register makes a front end acquirable under info.Name. Re-registering
// a name replaces the previous entry.
func (r *Registry) Register(info Info, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[info.Name] = &registryEntry{info: info, opener: opener}
}

// Enumerate lists registered front ends in name order.
func (r *Registry) Enumerate() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Acquire opens the named front end exclusively. It fails with Busy
// while a previous acquisition is still open and with DeviceUnavailable
// when the name is unknown or the open fails. Closing the returned
// device releases the name for the next acquisition.
func (r *Registry) Acquire(name string) (Device, error) {
	const op = "sdr.Acquire"

	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return nil, Errorf(CodeDeviceUnavailable, op, "no front end registered as %q", name)
	}
	if e.held {
		r.mu.Unlock()
		return nil, Errorf(CodeBusy, op, "front end %q is already acquired", name)
	}
	e.held = true
	r.mu.Unlock()

	dev, err := e.opener()
	if err != nil {
		r.release(name)
		return nil, Wrap(CodeDeviceUnavailable, op, err)
	}
	return &acquiredDevice{Device: dev, registry: r, name: name}, nil
}

func (r *Registry) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		e.held = false
	}
}

// acquiredDevice releases its registry slot exactly once on Close, even
// when the underlying close fails.
type acquiredDevice struct {
	Device
	registry *Registry
	name     string
	once     sync.Once
}

func (d *acquiredDevice) Close() error {
	err := d.Device.Close()
	d.once.Do(func() { d.registry.release(d.name) })
	return err
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// Register adds a front end to the process-wide registry.
func Register(info Info, opener Opener) { defaultRegistry.Register(info, opener) }

// Enumerate lists the process-wide registry.
func Enumerate() []Info { return defaultRegistry.Enumerate() }

// Acquire opens from the process-wide registry.
func Acquire(name string) (Device, error) { return defaultRegistry.Acquire(name) }
