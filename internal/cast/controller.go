package cast

import (
	"context"
	"log"
	"time"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
	"github.com/strefethen/cast-bridge-go/internal/chromecast"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/media"
	"github.com/strefethen/cast-bridge-go/internal/sonos"
	"github.com/strefethen/cast-bridge-go/internal/sonos/soap"
)

// PlaybackStatus is one status fix from a renderer.
type PlaybackStatus struct {
	State       PlayerState
	PositionSec float64
	DurationSec float64
}

// Controller drives one renderer for the orchestrator. Implementations
// exist for the Cast channel and for UPnP/SOAP devices; tests inject
// fakes.
type Controller interface {
	Connect(ctx context.Context) error
	Load(ctx context.Context, t media.Track, startSec float64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, seconds float64) error
	Status(ctx context.Context) (PlaybackStatus, error)
	Volume(ctx context.Context) (level float64, muted bool, err error)
	SetVolume(ctx context.Context, level float64) error
	SetMuted(ctx context.Context, muted bool) error
	Disconnect()

	// PushesStatus reports whether the device sends status on its own.
	// Devices that do (Chromecast) gate position interpolation on the
	// first push; polled devices interpolate immediately.
	PushesStatus() bool
}

// chromecastController adapts a chromecast.Client.
type chromecastController struct {
	client *chromecast.Client
}

func newChromecastController(d devices.Device, logger *log.Logger, connectTimeout, launchTimeout time.Duration, onStatus chromecast.StatusListener, onClose chromecast.CloseListener) *chromecastController {
	return &chromecastController{
		client: chromecast.NewClient(chromecast.Options{
			Host:           d.Host,
			Port:           d.Port,
			Logger:         logger,
			ConnectTimeout: connectTimeout,
			LaunchTimeout:  launchTimeout,
			OnStatus:       onStatus,
			OnClose:        onClose,
		}),
	}
}

func (c *chromecastController) Connect(ctx context.Context) error {
	if err := c.client.Connect(ctx); err != nil {
		return err
	}
	return c.client.Launch(ctx)
}

func (c *chromecastController) Load(ctx context.Context, t media.Track, startSec float64) error {
	return c.client.Load(ctx, t, startSec)
}

func (c *chromecastController) Play(ctx context.Context) error  { return c.client.Play(ctx) }
func (c *chromecastController) Pause(ctx context.Context) error { return c.client.Pause(ctx) }
func (c *chromecastController) Stop(ctx context.Context) error  { return c.client.Stop(ctx) }

func (c *chromecastController) Seek(ctx context.Context, seconds float64) error {
	return c.client.Seek(ctx, seconds)
}

func (c *chromecastController) Status(ctx context.Context) (PlaybackStatus, error) {
	ms, err := c.client.GetMediaStatus(ctx)
	if err != nil {
		return PlaybackStatus{}, err
	}
	if ms == nil {
		return PlaybackStatus{State: PlayerIdle}, nil
	}
	return PlaybackStatus{
		State:       castPlayerState(ms.PlayerState),
		PositionSec: ms.CurrentTime,
		DurationSec: ms.Media.Duration,
	}, nil
}

func (c *chromecastController) Volume(ctx context.Context) (float64, bool, error) {
	rs, err := c.client.GetReceiverStatus(ctx)
	if err != nil {
		return 0, false, err
	}
	return rs.Status.Volume.Level, rs.Status.Volume.Muted, nil
}

func (c *chromecastController) SetVolume(ctx context.Context, level float64) error {
	return c.client.SetVolume(ctx, level)
}

func (c *chromecastController) SetMuted(ctx context.Context, muted bool) error {
	return c.client.SetMuted(ctx, muted)
}

func (c *chromecastController) Disconnect()        { c.client.Disconnect() }
func (c *chromecastController) PushesStatus() bool { return true }

func castPlayerState(s string) PlayerState {
	switch s {
	case chromecast.PlayerStatePlaying:
		return PlayerPlaying
	case chromecast.PlayerStatePaused:
		return PlayerPaused
	case chromecast.PlayerStateBuffering:
		return PlayerBuffering
	case chromecast.PlayerStateIdle:
		return PlayerIdle
	}
	return PlayerUnknown
}

// upnpController drives Sonos zones and DLNA TVs over SOAP. There is
// no connection to hold; "connect" just validates the endpoint.
type upnpController struct {
	client   *soap.Client
	endpoint soap.Endpoint
	isSonos  bool
}

func newUPnPController(d devices.Device, client *soap.Client) *upnpController {
	ep := soap.Endpoint{Host: d.Host, Port: d.Port, AVTransportURL: d.AVTransportURL}
	if ep.Port == 0 {
		ep.Port = 1400
	}
	return &upnpController{
		client:   client,
		endpoint: ep,
		isSonos:  d.Type == devices.TypeSonos,
	}
}

func (c *upnpController) Connect(ctx context.Context) error {
	if c.endpoint.Host == "" {
		return apperrors.New(apperrors.ErrorCodeUnsupportedDevice, "device has no address")
	}
	// A cheap probe; devices with a broken control URL fail here rather
	// than on the first LOAD.
	if _, err := c.client.GetTransportInfo(ctx, c.endpoint); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeConnectionFailed, "avtransport probe", err)
	}
	return nil
}

func (c *upnpController) Load(ctx context.Context, t media.Track, startSec float64) error {
	metadata := ""
	if c.isSonos || t.Title != "" {
		metadata = sonos.BuildTrackMetadata(t)
	}
	if err := c.client.SetAVTransportURI(ctx, c.endpoint, t.URL, metadata); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "set transport uri", err)
	}
	if err := c.client.Play(ctx, c.endpoint); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "play", err)
	}
	if startSec > 0 {
		// Some renderers reject a seek until the transport leaves
		// TRANSITIONING; give it a moment.
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := c.client.Seek(ctx, c.endpoint, int(startSec)); err != nil {
			return apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "seek to start", err)
		}
	}
	return nil
}

func (c *upnpController) Play(ctx context.Context) error {
	return c.client.Play(ctx, c.endpoint)
}

func (c *upnpController) Pause(ctx context.Context) error {
	return c.client.Pause(ctx, c.endpoint)
}

func (c *upnpController) Stop(ctx context.Context) error {
	return c.client.Stop(ctx, c.endpoint)
}

func (c *upnpController) Seek(ctx context.Context, seconds float64) error {
	return c.client.Seek(ctx, c.endpoint, int(seconds))
}

func (c *upnpController) Status(ctx context.Context) (PlaybackStatus, error) {
	ti, err := c.client.GetTransportInfo(ctx, c.endpoint)
	if err != nil {
		return PlaybackStatus{}, err
	}
	pi, err := c.client.GetPositionInfo(ctx, c.endpoint)
	if err != nil {
		return PlaybackStatus{}, err
	}
	return PlaybackStatus{
		State:       upnpPlayerState(ti.CurrentTransportState),
		PositionSec: float64(soap.ParseDuration(pi.RelTime)),
		DurationSec: float64(soap.ParseDuration(pi.TrackDuration)),
	}, nil
}

func (c *upnpController) Volume(ctx context.Context) (float64, bool, error) {
	vol, err := c.client.GetVolume(ctx, c.endpoint)
	if err != nil {
		return 0, false, err
	}
	muted, err := c.client.GetMute(ctx, c.endpoint)
	if err != nil {
		return 0, false, err
	}
	return float64(vol) / 100, muted, nil
}

func (c *upnpController) SetVolume(ctx context.Context, level float64) error {
	return c.client.SetVolume(ctx, c.endpoint, int(level*100+0.5))
}

func (c *upnpController) SetMuted(ctx context.Context, muted bool) error {
	return c.client.SetMute(ctx, c.endpoint, muted)
}

func (c *upnpController) Disconnect()        {}
func (c *upnpController) PushesStatus() bool { return false }

func upnpPlayerState(transportState string) PlayerState {
	switch transportState {
	case "PLAYING":
		return PlayerPlaying
	case "PAUSED_PLAYBACK":
		return PlayerPaused
	case "TRANSITIONING":
		return PlayerBuffering
	case "STOPPED", "NO_MEDIA_PRESENT":
		return PlayerIdle
	}
	return PlayerUnknown
}
