// Package cast is the orchestration layer: it owns the single active
// session, unifies the Chromecast and UPnP control paths behind one
// API, and guards user-driven track switches with a generation
// counter so a slow operation can never clobber a newer one.
package cast

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
	"github.com/strefethen/cast-bridge-go/internal/chromecast"
	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/discovery"
	"github.com/strefethen/cast-bridge-go/internal/media"
	"github.com/strefethen/cast-bridge-go/internal/mediaserver"
	"github.com/strefethen/cast-bridge-go/internal/sonos"
	"github.com/strefethen/cast-bridge-go/internal/sonos/soap"
)

const statusPollInterval = 5 * time.Second

// Orchestrator exposes the whole subsystem to the host application.
type Orchestrator struct {
	cfg         config.Config
	logger      *log.Logger
	registry    *devices.Registry
	disc        *discovery.Service
	resolver    *sonos.Resolver
	mediaServer *mediaserver.Server
	soapClient  *soap.Client
	bus         *Bus

	// Test seam; production wiring picks by device type.
	newController func(d devices.Device) Controller

	generation atomic.Int64

	mu         sync.Mutex
	session    Session
	controller Controller
	stopPoll   chan struct{}
}

func NewOrchestrator(cfg config.Config, logger *log.Logger, registry *devices.Registry, disc *discovery.Service, resolver *sonos.Resolver, mediaServer *mediaserver.Server, soapClient *soap.Client) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		registry:    registry,
		disc:        disc,
		resolver:    resolver,
		mediaServer: mediaServer,
		soapClient:  soapClient,
		bus:         NewBus(),
		session:     Session{State: SessionIdle},
	}
	o.newController = o.defaultController

	registry.Subscribe(func(snapshot []devices.Device) {
		o.bus.Publish(Event{Type: EventDevicesChanged, Devices: snapshot})
	})
	return o
}

// Events returns the orchestrator's event bus.
func (o *Orchestrator) Events() *Bus { return o.bus }

// Discover starts device discovery.
func (o *Orchestrator) Discover() error { return o.disc.Start() }

// StopDiscovery halts discovery, leaving the device list intact.
func (o *Orchestrator) StopDiscovery() { o.disc.Stop() }

// Refresh restarts discovery while preserving the visible device
// list. Blocks for the settle delay.
func (o *Orchestrator) Refresh() { o.disc.Refresh() }

// Devices returns the current device snapshot.
func (o *Orchestrator) Devices() []devices.Device { return o.registry.Snapshot() }

// Session returns a snapshot of the active session.
func (o *Orchestrator) Session() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// JoinSonosGroup and LeaveSonosGroup surface group management.
func (o *Orchestrator) JoinSonosGroup(ctx context.Context, zoneUDN, coordinatorUDN string) error {
	return o.resolver.JoinGroup(ctx, zoneUDN, coordinatorUDN)
}

func (o *Orchestrator) LeaveSonosGroup(ctx context.Context, zoneUDN string) error {
	return o.resolver.LeaveGroup(ctx, zoneUDN)
}

// Cast tears down any existing session, connects to the device, and
// starts playback of the track.
func (o *Orchestrator) Cast(ctx context.Context, deviceKey string, t media.Track, startSec float64) error {
	device, ok := o.registry.Get(deviceKey)
	if !ok {
		return apperrors.NewDeviceNotFound(deviceKey)
	}

	// Tear down whatever was playing; one session at a time.
	o.mu.Lock()
	old := o.controller
	o.controller = nil
	o.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	o.teardown(SessionIdle, nil)

	gen := o.generation.Add(1)

	o.setSession(func(s *Session) {
		*s = Session{State: SessionConnecting, Device: device, Track: t}
	})

	ctrl := o.newController(device)
	if err := ctrl.Connect(ctx); err != nil {
		ctrl.Disconnect()
		if o.current(gen) {
			o.setSession(func(s *Session) {
				s.State = SessionError
				s.ErrMessage = err.Error()
			})
			o.bus.Publish(Event{Type: EventError, Err: err})
		}
		return err
	}
	if !o.adopt(gen, ctrl) {
		ctrl.Disconnect()
		return nil
	}

	o.setSession(func(s *Session) {
		if advanceOK(s.State, SessionConnected) {
			s.State = SessionConnected
		}
	})

	prepared, err := o.prepareTrack(t, device)
	if err != nil {
		return o.failPlayback(gen, err)
	}
	if !o.current(gen) {
		return nil
	}

	if err := ctrl.Load(ctx, prepared, startSec); err != nil {
		return o.failPlayback(gen, err)
	}
	if !o.current(gen) {
		return nil
	}

	o.setSession(func(s *Session) {
		if advanceOK(s.State, SessionCasting) {
			s.State = SessionCasting
		}
		s.Track = prepared
		s.Player = PlayerPlaying
		s.BasePos = startSec
		s.BaseAt = time.Now()
		s.DurationSec = float64(t.DurationSec)
		// Polled devices have no better fix coming; trust the clock now.
		s.Calibrated = !ctrl.PushesStatus()
	})
	o.startPolling(gen)
	return nil
}

// CastNewTrack switches tracks on the already-connected device. The
// generation captured at entry is re-checked after every suspension
// point; a superseded call discards its work and clears only the
// loading flag it set itself.
func (o *Orchestrator) CastNewTrack(ctx context.Context, t media.Track) error {
	gen := o.generation.Add(1)

	o.mu.Lock()
	state := o.session.State
	device := o.session.Device
	ctrl := o.controller
	o.mu.Unlock()
	if ctrl == nil || (state != SessionConnected && state != SessionCasting) {
		return apperrors.NewSessionNotActive()
	}

	o.setSession(func(s *Session) {
		s.Loading = true
		s.LoadingGen = gen
	})

	prepared, err := o.prepareTrack(t, device)
	if err != nil {
		o.clearLoading(gen)
		return err
	}
	if !o.current(gen) {
		o.clearLoading(gen)
		return nil
	}

	if err := ctrl.Load(ctx, prepared, 0); err != nil {
		o.clearLoading(gen)
		if o.current(gen) {
			o.bus.Publish(Event{Type: EventError, Err: err})
		}
		return apperrors.EnsureAppError(err)
	}
	if !o.current(gen) {
		o.clearLoading(gen)
		return nil
	}

	o.setSession(func(s *Session) {
		if advanceOK(s.State, SessionCasting) {
			s.State = SessionCasting
		}
		s.Track = prepared
		s.Player = PlayerPlaying
		s.BasePos = 0
		s.BaseAt = time.Now()
		s.DurationSec = float64(t.DurationSec)
		s.Calibrated = !ctrl.PushesStatus()
		if s.LoadingGen == gen {
			s.Loading = false
		}
	})
	return nil
}

// Pause pauses playback.
func (o *Orchestrator) Pause(ctx context.Context) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	if err := ctrl.Pause(ctx); err != nil {
		return apperrors.EnsureAppError(err)
	}
	now := time.Now()
	o.setSession(func(s *Session) {
		s.BasePos = s.Position(now)
		s.BaseAt = now
		s.Player = PlayerPaused
	})
	return nil
}

// Resume resumes paused playback.
func (o *Orchestrator) Resume(ctx context.Context) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	if err := ctrl.Play(ctx); err != nil {
		return apperrors.EnsureAppError(err)
	}
	o.setSession(func(s *Session) {
		s.BaseAt = time.Now()
		s.Player = PlayerPlaying
	})
	return nil
}

// Seek jumps to an absolute position.
func (o *Orchestrator) Seek(ctx context.Context, seconds float64) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	if err := ctrl.Seek(ctx, seconds); err != nil {
		return apperrors.EnsureAppError(err)
	}
	gen := o.generation.Load()
	o.setSession(func(s *Session) {
		s.BasePos = seconds
		s.BaseAt = time.Now()
	})
	// Re-sync once the device has actually moved.
	time.AfterFunc(500*time.Millisecond, func() { o.syncStatus(gen) })
	return nil
}

// Stop ends playback and destroys the session.
func (o *Orchestrator) Stop(ctx context.Context) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	stopErr := ctrl.Stop(ctx)
	o.generation.Add(1)
	o.mu.Lock()
	o.controller = nil
	o.mu.Unlock()
	ctrl.Disconnect()
	o.teardown(SessionIdle, nil)
	if stopErr != nil {
		return apperrors.EnsureAppError(stopErr)
	}
	return nil
}

// Disconnect drops the session without a device-side stop.
func (o *Orchestrator) Disconnect() {
	o.generation.Add(1)
	o.mu.Lock()
	ctrl := o.controller
	o.controller = nil
	o.mu.Unlock()
	if ctrl != nil {
		ctrl.Disconnect()
	}
	o.teardown(SessionIdle, nil)
}

// Volume reads the device volume and mute state.
func (o *Orchestrator) Volume(ctx context.Context) (float64, bool, error) {
	ctrl, err := o.activeController()
	if err != nil {
		return 0, false, err
	}
	level, muted, err := ctrl.Volume(ctx)
	if err != nil {
		return 0, false, apperrors.EnsureAppError(err)
	}
	o.setSession(func(s *Session) {
		s.VolumeLevel = level
		s.Muted = muted
	})
	return level, muted, nil
}

// SetVolume sets the device volume (0.0 to 1.0).
func (o *Orchestrator) SetVolume(ctx context.Context, level float64) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	if err := ctrl.SetVolume(ctx, level); err != nil {
		return apperrors.EnsureAppError(err)
	}
	o.setSession(func(s *Session) { s.VolumeLevel = level })
	return nil
}

// SetMute sets device mute.
func (o *Orchestrator) SetMute(ctx context.Context, muted bool) error {
	ctrl, err := o.activeController()
	if err != nil {
		return err
	}
	if err := ctrl.SetMuted(ctx, muted); err != nil {
		return apperrors.EnsureAppError(err)
	}
	o.setSession(func(s *Session) { s.Muted = muted })
	return nil
}

// Position returns the current interpolated playback position.
func (o *Orchestrator) Position() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Position(time.Now())
}

// current reports whether gen is still the newest operation.
func (o *Orchestrator) current(gen int64) bool {
	return o.generation.Load() == gen
}

// adopt installs the controller if the operation is still current.
func (o *Orchestrator) adopt(gen int64, ctrl Controller) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.generation.Load() != gen {
		return false
	}
	o.controller = ctrl
	return true
}

func (o *Orchestrator) activeController() (Controller, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.controller == nil || o.session.State == SessionIdle || o.session.State == SessionError {
		return nil, apperrors.NewSessionNotActive()
	}
	return o.controller, nil
}

func (o *Orchestrator) failPlayback(gen int64, err error) error {
	if o.current(gen) {
		o.setSession(func(s *Session) {
			s.State = SessionError
			s.ErrMessage = err.Error()
		})
		o.bus.Publish(Event{Type: EventError, Err: err})
	}
	return apperrors.EnsureAppError(err)
}

func (o *Orchestrator) clearLoading(gen int64) {
	o.setSession(func(s *Session) {
		if s.LoadingGen == gen {
			s.Loading = false
		}
	})
}

// setSession applies a mutation under the lock and publishes the new
// snapshot.
func (o *Orchestrator) setSession(fn func(*Session)) {
	o.mu.Lock()
	fn(&o.session)
	snapshot := o.session
	o.mu.Unlock()
	o.bus.Publish(Event{Type: EventSessionChanged, Session: snapshot})
}

// teardown resets the session and releases per-session resources.
func (o *Orchestrator) teardown(state SessionState, cause error) {
	o.mu.Lock()
	if o.stopPoll != nil {
		close(o.stopPoll)
		o.stopPoll = nil
	}
	o.session = Session{State: state}
	if cause != nil {
		o.session.ErrMessage = cause.Error()
	}
	snapshot := o.session
	o.mu.Unlock()

	if o.mediaServer != nil {
		o.mediaServer.UnregisterAll()
	}
	o.bus.Publish(Event{Type: EventSessionChanged, Session: snapshot})
	if cause != nil {
		o.bus.Publish(Event{Type: EventError, Err: cause})
	}
}

// prepareTrack rewrites the track URL for device reachability: local
// files are published on the embedded server, HTTPS origins are
// proxied for UPnP renderers with no usable trust store.
func (o *Orchestrator) prepareTrack(t media.Track, d devices.Device) (media.Track, error) {
	url := t.URL
	switch {
	case url == "":
		return t, apperrors.NewInvalidURL(url)
	case strings.HasPrefix(url, "file://"):
		return o.registerLocalFile(t, strings.TrimPrefix(url, "file://"))
	case strings.HasPrefix(url, "http://"):
		return t, nil
	case strings.HasPrefix(url, "https://"):
		if d.Type == devices.TypeChromecast || o.mediaServer == nil {
			return t, nil
		}
		_, served, err := o.mediaServer.RegisterStream(url)
		if err != nil {
			return t, err
		}
		t.URL = served
		return t, nil
	case strings.Contains(url, "://"):
		return t, apperrors.NewInvalidURL(url)
	default:
		// Bare paths are local files.
		return o.registerLocalFile(t, url)
	}
}

func (o *Orchestrator) registerLocalFile(t media.Track, path string) (media.Track, error) {
	if o.mediaServer == nil {
		return t, apperrors.New(apperrors.ErrorCodeLocalServer, "no media server configured")
	}
	_, served, err := o.mediaServer.RegisterFile(path)
	if err != nil {
		return t, err
	}
	t.URL = served
	return t, nil
}

// startPolling runs the periodic status re-sync for the session
// started by gen.
func (o *Orchestrator) startPolling(gen int64) {
	stop := make(chan struct{})
	o.mu.Lock()
	if o.stopPoll != nil {
		close(o.stopPoll)
	}
	o.stopPoll = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.syncStatus(gen)
			}
		}
	}()
}

// syncStatus polls the controller and folds the result into the
// session, unless the operation that scheduled it has been superseded.
func (o *Orchestrator) syncStatus(gen int64) {
	if !o.current(gen) {
		return
	}
	o.mu.Lock()
	ctrl := o.controller
	o.mu.Unlock()
	if ctrl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := ctrl.Status(ctx)
	if err != nil || !o.current(gen) {
		return
	}
	o.applyStatus(status)
}

// applyStatus folds one status fix into the session and publishes a
// playback-state event.
func (o *Orchestrator) applyStatus(status PlaybackStatus) {
	o.mu.Lock()
	if o.session.State != SessionCasting && o.session.State != SessionConnected {
		o.mu.Unlock()
		return
	}
	o.session.Player = status.State
	o.session.BasePos = status.PositionSec
	o.session.BaseAt = time.Now()
	o.session.Calibrated = true
	if status.DurationSec > 0 {
		o.session.DurationSec = status.DurationSec
	}
	snapshot := o.session
	o.mu.Unlock()

	o.bus.Publish(Event{Type: EventPlaybackStateChanged, Session: snapshot})
}

// defaultController picks the backend for a device type.
func (o *Orchestrator) defaultController(d devices.Device) Controller {
	if d.Type == devices.TypeChromecast {
		return newChromecastController(d, o.logger,
			time.Duration(o.cfg.ChromecastConnectTimeoutMs)*time.Millisecond,
			time.Duration(o.cfg.ChromecastLaunchTimeoutMs)*time.Millisecond,
			func(ms chromecast.MediaStatus) {
				o.applyStatus(PlaybackStatus{
					State:       castPlayerState(ms.PlayerState),
					PositionSec: ms.CurrentTime,
					DurationSec: ms.Media.Duration,
				})
			},
			func(err error) {
				o.logger.Printf("chromecast session ended: %v", err)
				o.teardown(SessionIdle, err)
			},
		)
	}
	return newUPnPController(d, o.soapClient)
}
