package cast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/media"
)

// fakeController records calls and can hold a Load open to exercise
// the generation race.
type fakeController struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	loads        []media.Track
	pushes       bool

	// Load blocks on the gate registered for the track title, if any.
	gates map[string]chan struct{}

	loadStarted chan string
}

func newFakeController(pushes bool) *fakeController {
	return &fakeController{
		pushes:      pushes,
		gates:       make(map[string]chan struct{}),
		loadStarted: make(chan string, 8),
	}
}

func (f *fakeController) gateFor(title string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[title] = gate
	return gate
}

func (f *fakeController) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Load(ctx context.Context, t media.Track, startSec float64) error {
	f.mu.Lock()
	gate := f.gates[t.Title]
	f.mu.Unlock()

	select {
	case f.loadStarted <- t.Title:
	default:
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.loads = append(f.loads, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Play(ctx context.Context) error  { return nil }
func (f *fakeController) Pause(ctx context.Context) error { return nil }
func (f *fakeController) Stop(ctx context.Context) error  { return nil }
func (f *fakeController) Seek(ctx context.Context, seconds float64) error {
	return nil
}
func (f *fakeController) Status(ctx context.Context) (PlaybackStatus, error) {
	return PlaybackStatus{State: PlayerPlaying}, nil
}
func (f *fakeController) Volume(ctx context.Context) (float64, bool, error) {
	return 0.5, false, nil
}
func (f *fakeController) SetVolume(ctx context.Context, level float64) error { return nil }
func (f *fakeController) SetMuted(ctx context.Context, muted bool) error     { return nil }
func (f *fakeController) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}
func (f *fakeController) PushesStatus() bool { return f.pushes }

func (f *fakeController) loadedTitles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.loads))
	for i, t := range f.loads {
		out[i] = t.Title
	}
	return out
}

func newTestOrchestrator(t *testing.T, ctrls ...*fakeController) (*Orchestrator, *devices.Registry) {
	t.Helper()
	registry := devices.NewRegistry()
	o := NewOrchestrator(config.Config{}, nil, registry, nil, nil, nil, nil)

	i := 0
	o.newController = func(d devices.Device) Controller {
		require.Less(t, i, len(ctrls), "more controllers requested than provided")
		c := ctrls[i]
		i++
		return c
	}
	return o, registry
}

func tvDevice(key string) devices.Device {
	return devices.Device{
		Key:  key,
		Name: "TV " + key,
		Type: devices.TypeDLNATV,
		Host: "192.168.1.50",
		Port: 9197,
	}
}

func TestCastHappyPath(t *testing.T) {
	ctrl := newFakeController(false)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))

	track := media.Track{URL: "http://origin/track.mp3", Title: "Song"}
	require.NoError(t, o.Cast(context.Background(), "d1", track, 0))

	s := o.Session()
	assert.Equal(t, SessionCasting, s.State)
	assert.Equal(t, "Song", s.Track.Title)
	assert.Equal(t, PlayerPlaying, s.Player)
	assert.True(t, s.Calibrated, "polled devices interpolate immediately")
	assert.Equal(t, []string{"Song"}, ctrl.loadedTitles())
}

func TestCastUnknownDevice(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.Cast(context.Background(), "nope", media.Track{URL: "http://x/y.mp3"}, 0)
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrorCodeDeviceNotFound, ""))
}

func TestCastNewTrackGenerationRace(t *testing.T) {
	ctrl := newFakeController(false)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))
	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/first.mp3", Title: "First"}, 0))

	gateA := ctrl.gateFor("A")

	aDone := make(chan error, 1)
	go func() {
		aDone <- o.CastNewTrack(context.Background(), media.Track{URL: "http://x/a.mp3", Title: "A"})
	}()
	require.Equal(t, "A", <-ctrl.loadStarted, "A must be in flight before B starts")

	// B lands while A is still waiting on the device.
	require.NoError(t, o.CastNewTrack(context.Background(), media.Track{URL: "http://x/b.mp3", Title: "B"}))
	s := o.Session()
	assert.Equal(t, "B", s.Track.Title)
	assert.False(t, s.Loading)

	// A completes late and must not overwrite B.
	close(gateA)
	require.NoError(t, <-aDone)

	s = o.Session()
	assert.Equal(t, "B", s.Track.Title, "stale operation must discard its result")
	assert.False(t, s.Loading, "stale operation clears only its own loading flag")
	assert.Equal(t, SessionCasting, s.State)
}

func TestCastNewTrackRequiresSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	err := o.CastNewTrack(context.Background(), media.Track{URL: "http://x/y.mp3"})
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrorCodeSessionNotActive, ""))
}

func TestControlsFailWithoutSession(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	assert.Error(t, o.Pause(ctx))
	assert.Error(t, o.Resume(ctx))
	assert.Error(t, o.Seek(ctx, 10))
	assert.Error(t, o.SetVolume(ctx, 0.5))
	assert.Error(t, o.SetMute(ctx, true))
	_, _, err := o.Volume(ctx)
	assert.Error(t, err)
}

func TestCastToSecondDeviceTearsDownFirst(t *testing.T) {
	first := newFakeController(false)
	second := newFakeController(false)
	o, registry := newTestOrchestrator(t, first, second)
	registry.AddIfAbsent(tvDevice("d1"))
	registry.AddIfAbsent(tvDevice("d2"))

	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/1.mp3"}, 0))
	require.NoError(t, o.Cast(context.Background(), "d2", media.Track{URL: "http://x/2.mp3"}, 0))

	first.mu.Lock()
	disconnected := first.disconnected
	first.mu.Unlock()
	assert.True(t, disconnected)
	assert.Equal(t, "d2", o.Session().Device.Key)
}

func TestStopDestroysSession(t *testing.T) {
	ctrl := newFakeController(false)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))
	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/1.mp3"}, 0))

	require.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, SessionIdle, o.Session().State)
	assert.Error(t, o.Pause(context.Background()), "controls fail after stop")
}

func TestPausePinsPosition(t *testing.T) {
	ctrl := newFakeController(false)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))
	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/1.mp3"}, 30))

	require.NoError(t, o.Pause(context.Background()))
	p1 := o.Position()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, p1, o.Position(), "position must not advance while paused")
	assert.GreaterOrEqual(t, p1, 30.0)
}

func TestChromecastWaitsForFirstStatusFix(t *testing.T) {
	ctrl := newFakeController(true)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))
	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/1.mp3"}, 30))

	s := o.Session()
	assert.False(t, s.Calibrated, "push devices wait for the first status")
	assert.Equal(t, 30.0, o.Position(), "uncalibrated position stays at start")

	o.applyStatus(PlaybackStatus{State: PlayerPlaying, PositionSec: 31, DurationSec: 200})
	s = o.Session()
	assert.True(t, s.Calibrated)
	assert.Equal(t, 200.0, s.DurationSec)
	assert.GreaterOrEqual(t, o.Position(), 31.0)
}

func TestSessionEventsPublished(t *testing.T) {
	ctrl := newFakeController(false)
	o, registry := newTestOrchestrator(t, ctrl)
	registry.AddIfAbsent(tvDevice("d1"))

	var mu sync.Mutex
	var states []SessionState
	o.Events().Subscribe(func(e Event) {
		if e.Type == EventSessionChanged {
			mu.Lock()
			states = append(states, e.Session.State)
			mu.Unlock()
		}
	})

	require.NoError(t, o.Cast(context.Background(), "d1", media.Track{URL: "http://x/1.mp3"}, 0))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, SessionConnecting)
	assert.Contains(t, states, SessionConnected)
	assert.Contains(t, states, SessionCasting)
}

func TestDevicesChangedEvent(t *testing.T) {
	o, registry := newTestOrchestrator(t)

	got := make(chan []devices.Device, 1)
	o.Events().Subscribe(func(e Event) {
		if e.Type == EventDevicesChanged {
			got <- e.Devices
		}
	})

	registry.AddIfAbsent(tvDevice("d1"))
	select {
	case snapshot := <-got:
		require.Len(t, snapshot, 1)
	case <-time.After(time.Second):
		t.Fatal("no devices-changed event")
	}
}

func TestPrepareTrackRejectsBadURL(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	_, err := o.prepareTrack(media.Track{URL: "gopher://x"}, tvDevice("d1"))
	assert.ErrorIs(t, err, apperrors.New(apperrors.ErrorCodeInvalidURL, ""))
	_, err = o.prepareTrack(media.Track{}, tvDevice("d1"))
	assert.Error(t, err)
}
