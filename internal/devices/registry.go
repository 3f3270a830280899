package devices

import (
	"sort"
	"sync"
	"time"
)

// ChangeListener receives one call per mutation batch, never per item.
type ChangeListener func(snapshot []Device)

// Registry is the in-memory store of discovered renderers, keyed by
// identity. All discovery paths (SSDP, mDNS, description fetch
// completions) funnel through it; the single mutex is the serialization
// point the concurrent callbacks rely on.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]Device
	listeners []ChangeListener
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Device)}
}

// Subscribe registers a change listener. Listeners are invoked outside
// the registry lock with a fresh snapshot.
func (r *Registry) Subscribe(fn ChangeListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// AddIfAbsent inserts the device when its identity is unknown and
// reports whether it was new. A re-discovered device refreshes its
// transient fields in place; that refresh does not count as a change
// and does not notify.
func (r *Registry) AddIfAbsent(d Device) bool {
	d.LastSeenAt = time.Now()

	r.mu.Lock()
	_, exists := r.devices[d.Key]
	r.devices[d.Key] = d
	var snapshot []Device
	if !exists {
		snapshot = r.snapshotLocked()
	}
	listeners := r.listeners
	r.mu.Unlock()

	if !exists {
		for _, fn := range listeners {
			fn(snapshot)
		}
	}
	return !exists
}

// ApplyBatch replaces the devices of the given type with the supplied
// set in one mutation, emitting a single change notification. Used by
// the Sonos topology resolver, which rebuilds its whole device list per
// topology fetch.
func (r *Registry) ApplyBatch(t Type, batch []Device) {
	now := time.Now()

	r.mu.Lock()
	for key, d := range r.devices {
		if d.Type == t {
			delete(r.devices, key)
		}
	}
	for _, d := range batch {
		d.LastSeenAt = now
		r.devices[d.Key] = d
	}
	snapshot := r.snapshotLocked()
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Remove deletes one device and notifies if it was present.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	_, existed := r.devices[key]
	delete(r.devices, key)
	var snapshot []Device
	if existed {
		snapshot = r.snapshotLocked()
	}
	listeners := r.listeners
	r.mu.Unlock()

	if existed {
		for _, fn := range listeners {
			fn(snapshot)
		}
	}
}

// Clear empties the registry, notifying once. Used on a full discovery
// reset; a soft refresh deliberately does NOT call this so the host
// application's device list never flickers to empty.
func (r *Registry) Clear() {
	r.mu.Lock()
	hadAny := len(r.devices) > 0
	r.devices = make(map[string]Device)
	listeners := r.listeners
	r.mu.Unlock()

	if hadAny {
		for _, fn := range listeners {
			fn(nil)
		}
	}
}

// Snapshot returns the devices sorted by name then key. Readers observe
// either the pre- or post-mutation state, never a partial one.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Get looks a device up by identity.
func (r *Registry) Get(key string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[key]
	return d, ok
}

func (r *Registry) snapshotLocked() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Key < out[j].Key
	})
	return out
}
