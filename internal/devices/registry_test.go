package devices

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryDedupByIdentity(t *testing.T) {
	r := NewRegistry()

	first := Device{
		Key:  "uuid:RINCON_ABC123",
		Name: "Living Room",
		Type: TypeSonos,
		Host: "192.168.1.50",
		Port: 1400,
	}
	require.True(t, r.AddIfAbsent(first))

	// Same identity, different transient fields: not a new entry.
	second := first
	second.Name = "Living Room (rename)"
	second.Model = "Play:5"
	require.False(t, r.AddIfAbsent(second))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "Living Room (rename)", snap[0].Name)
	require.Equal(t, "Play:5", snap[0].Model)
}

func TestRegistryNotifiesOncePerBatch(t *testing.T) {
	r := NewRegistry()

	var mu sync.Mutex
	var calls int
	r.Subscribe(func([]Device) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	r.ApplyBatch(TypeSonos, []Device{
		{Key: "uuid:A", Name: "Kitchen", Type: TypeSonos},
		{Key: "uuid:B", Name: "Office", Type: TypeSonos},
		{Key: "uuid:C", Name: "Den", Type: TypeSonos},
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Len(t, r.Snapshot(), 3)
}

func TestRegistryApplyBatchReplacesOnlyMatchingType(t *testing.T) {
	r := NewRegistry()
	r.AddIfAbsent(Device{Key: "192.168.1.9:8009", Name: "Den TV", Type: TypeChromecast})
	r.AddIfAbsent(Device{Key: "uuid:OLD", Name: "Old Zone", Type: TypeSonos})

	r.ApplyBatch(TypeSonos, []Device{{Key: "uuid:NEW", Name: "New Zone", Type: TypeSonos}})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	keys := []string{snap[0].Key, snap[1].Key}
	require.Contains(t, keys, "192.168.1.9:8009")
	require.Contains(t, keys, "uuid:NEW")
}

func TestRegistryClearAndRemoveNotify(t *testing.T) {
	r := NewRegistry()
	r.AddIfAbsent(Device{Key: "uuid:A", Type: TypeSonos})
	r.AddIfAbsent(Device{Key: "uuid:B", Type: TypeSonos})

	var calls int
	r.Subscribe(func([]Device) { calls++ })

	r.Remove("uuid:A")
	require.Equal(t, 1, calls)

	// Removing an absent key must not notify.
	r.Remove("uuid:A")
	require.Equal(t, 1, calls)

	r.Clear()
	require.Equal(t, 2, calls)
	require.Empty(t, r.Snapshot())

	// Clearing an empty registry must not notify.
	r.Clear()
	require.Equal(t, 2, calls)
}

func TestRegistryConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.ApplyBatch(TypeSonos, []Device{
					{Key: "uuid:A", Type: TypeSonos},
					{Key: "uuid:B", Type: TypeSonos},
				})
			}
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := r.Snapshot()
				// A batch writes both zones or neither.
				require.True(t, len(snap) == 0 || len(snap) == 2)
			}
		}()
	}
	wg.Wait()
}
