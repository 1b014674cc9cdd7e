package device

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the probed devices by name.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Add registers d. Names must be unique.
func (r *Registry) Add(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Name()]; ok {
		return NewError(CodeInvalid, fmt.Sprintf("device %q already registered", d.Name()), nil)
	}
	r.devices[d.Name()] = d
	return nil
}

// Get returns the device called name.
func (r *Registry) Get(name string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return d, nil
}

// List returns the devices sorted by name.
func (r *Registry) List() []*Device {
	r.mu.RLock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ReloadAll clears the failure budget of every device and reloads its
// firmware, all devices in parallel. It returns the first failure.
func (r *Registry) ReloadAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range r.List() {
		g.Go(func() error {
			d.Rearm()
			return d.Reload(ctx)
		})
	}
	return g.Wait()
}

// CloseAll closes and forgets every device.
func (r *Registry) CloseAll(ctx context.Context) error {
	devices := r.List()
	r.mu.Lock()
	r.devices = make(map[string]*Device)
	r.mu.Unlock()

	var g errgroup.Group
	for _, d := range devices {
		g.Go(func() error { return d.Close(ctx) })
	}
	return g.Wait()
}
