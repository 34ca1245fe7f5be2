package compute

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultOrder is the backend preference when none is configured.
var DefaultOrder = []string{"opencl", "cpu", "reference"}

// Registry holds the known backends and picks one by preference.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend under its name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the first backend in preferred order that reports at least
// one device, along with that device list. An empty order uses DefaultOrder.
func (r *Registry) Select(preferred []string) (Backend, []Device, error) {
	if len(preferred) == 0 {
		preferred = DefaultOrder
	}

	var tried []string
	for _, name := range preferred {
		b, ok := r.Get(name)
		if !ok {
			tried = append(tried, name+" (not registered)")
			continue
		}
		devs, err := b.Devices()
		if err != nil || len(devs) == 0 {
			tried = append(tried, name)
			continue
		}
		return b, devs, nil
	}
	return nil, nil, fmt.Errorf("%w: tried %s", ErrUnavailable, strings.Join(tried, ", "))
}

// BackendStatus is one line of a detection report.
type BackendStatus struct {
	Name      string
	Available bool
	Devices   []Device
	Err       string
}

// Report enumerates every registered backend.
func (r *Registry) Report() []BackendStatus {
	names := r.Names()
	out := make([]BackendStatus, 0, len(names))
	for _, name := range names {
		b, _ := r.Get(name)
		st := BackendStatus{Name: name}
		devs, err := b.Devices()
		if err != nil {
			st.Err = err.Error()
		}
		st.Devices = devs
		st.Available = err == nil && len(devs) > 0
		out = append(out, st)
	}
	return out
}
