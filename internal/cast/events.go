package cast

import (
	"sync"

	"github.com/strefethen/cast-bridge-go/internal/devices"
)

// EventType discriminates bus events.
type EventType string

const (
	EventDevicesChanged       EventType = "devicesChanged"
	EventSessionChanged       EventType = "sessionChanged"
	EventPlaybackStateChanged EventType = "playbackStateChanged"
	EventError                EventType = "error"
)

// Event is one bus notification. Only the fields relevant to the type
// are populated.
type Event struct {
	Type    EventType
	Devices []devices.Device
	Session Session
	Err     error
}

// Listener receives bus events. Called synchronously; do not block.
type Listener func(Event)

// Bus fans orchestrator events out to registered observers. There is
// no implicit process-wide bus; the orchestrator owns one.
type Bus struct {
	mu        sync.Mutex
	listeners []Listener
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all events.
func (b *Bus) Subscribe(fn Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Publish delivers the event to every listener, outside the bus lock.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}
