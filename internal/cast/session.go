package cast

import (
	"time"

	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/media"
)

// SessionState is the lifecycle of the single active session.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
	SessionCasting    SessionState = "casting"
	SessionError      SessionState = "error"
)

// PlayerState mirrors what the remote device reports.
type PlayerState string

const (
	PlayerIdle      PlayerState = "idle"
	PlayerBuffering PlayerState = "buffering"
	PlayerPlaying   PlayerState = "playing"
	PlayerPaused    PlayerState = "paused"
	PlayerUnknown   PlayerState = "unknown"
)

// Session is an immutable snapshot of the active cast session. The
// orchestrator replaces the whole value under its lock; readers get a
// copy and never a live reference.
type Session struct {
	State  SessionState
	Device devices.Device
	Track  media.Track

	Player      PlayerState
	PositionSec float64
	DurationSec float64
	VolumeLevel float64
	Muted       bool

	// Loading marks a track change in flight; LoadingGen ties the flag
	// to the operation that set it so a superseded operation cannot
	// clear a successor's.
	Loading    bool
	LoadingGen int64

	// Position interpolation base. Calibrated is false until the first
	// trustworthy position fix for devices that push status.
	Calibrated bool
	BasePos    float64
	BaseAt     time.Time

	ErrMessage string
}

// advanceOK reports whether moving from s to next is a legal forward
// transition. Dropping to idle or error is always legal and not routed
// through here.
func advanceOK(s, next SessionState) bool {
	order := map[SessionState]int{
		SessionIdle:       0,
		SessionConnecting: 1,
		SessionConnected:  2,
		SessionCasting:    3,
	}
	from, ok1 := order[s]
	to, ok2 := order[next]
	if !ok1 || !ok2 {
		return false
	}
	return to == from+1 || (s == SessionCasting && next == SessionCasting)
}

// Position returns the current playback position, interpolating from
// the last fix while playing.
func (s Session) Position(now time.Time) float64 {
	if !s.Calibrated {
		return s.BasePos
	}
	if s.Player != PlayerPlaying {
		return s.BasePos
	}
	pos := s.BasePos + now.Sub(s.BaseAt).Seconds()
	if s.DurationSec > 0 && pos > s.DurationSec {
		pos = s.DurationSec
	}
	return pos
}
