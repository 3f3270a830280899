package chromecast

// Cast V2 namespaces. Connection and heartbeat ride alongside every
// logical channel; receiver talks to the platform, media to the app.
const (
	namespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	namespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	namespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia      = "urn:x-cast:com.google.cast.media"
)

// The default media receiver application.
const defaultMediaReceiverAppID = "CC1AD845"

// Virtual connection endpoints.
const (
	senderID        = "sender-0"
	receiverID      = "receiver-0"
	protocolVersion = 0
	payloadTypeUTF8 = 0
)

// Message types.
const (
	typeConnect        = "CONNECT"
	typeClose          = "CLOSE"
	typePing           = "PING"
	typePong           = "PONG"
	typeGetStatus      = "GET_STATUS"
	typeLaunch         = "LAUNCH"
	typeLoad           = "LOAD"
	typePlay           = "PLAY"
	typePause          = "PAUSE"
	typeStop           = "STOP"
	typeSeek           = "SEEK"
	typeSetVolume      = "SET_VOLUME"
	typeReceiverStatus = "RECEIVER_STATUS"
	typeMediaStatus    = "MEDIA_STATUS"
	typeLaunchError    = "LAUNCH_ERROR"
	typeInvalidRequest = "INVALID_REQUEST"
	typeLoadFailed     = "LOAD_FAILED"
)

// Payload is any message body carrying a correlation id.
type Payload interface {
	setRequestID(id int)
}

// PayloadHeader is the common prefix of every cast payload.
type PayloadHeader struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId,omitempty"`
}

func (p *PayloadHeader) setRequestID(id int) { p.RequestID = id }

// LaunchRequest asks the platform to start an application.
type LaunchRequest struct {
	PayloadHeader
	AppID string `json:"appId"`
}

// Volume is the receiver-level volume state.
type Volume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

// SetVolumeRequest adjusts receiver volume or mute.
type SetVolumeRequest struct {
	PayloadHeader
	Volume volumePatch `json:"volume"`
}

// volumePatch carries only the field being changed so the device does
// not clobber the other one.
type volumePatch struct {
	Level *float64 `json:"level,omitempty"`
	Muted *bool    `json:"muted,omitempty"`
}

// Application describes one running receiver app.
type Application struct {
	AppID        string `json:"appId"`
	DisplayName  string `json:"displayName"`
	IsIdleScreen bool   `json:"isIdleScreen"`
	SessionID    string `json:"sessionId"`
	StatusText   string `json:"statusText"`
	TransportID  string `json:"transportId"`
}

// ReceiverStatus is the RECEIVER_STATUS response body.
type ReceiverStatus struct {
	PayloadHeader
	Status struct {
		Applications []Application `json:"applications"`
		Volume       Volume        `json:"volume"`
	} `json:"status"`
}

// MediaItem describes the content handed to LOAD.
type MediaItem struct {
	ContentID   string         `json:"contentId"`
	ContentType string         `json:"contentType"`
	StreamType  string         `json:"streamType"`
	Duration    float64        `json:"duration,omitempty"`
	Metadata    *MediaMetadata `json:"metadata,omitempty"`
}

// MediaMetadata is MusicTrackMediaMetadata (metadataType 3).
type MediaMetadata struct {
	MetadataType int     `json:"metadataType"`
	Title        string  `json:"title,omitempty"`
	Artist       string  `json:"artist,omitempty"`
	AlbumName    string  `json:"albumName,omitempty"`
	Images       []Image `json:"images,omitempty"`
}

type Image struct {
	URL string `json:"url"`
}

// LoadRequest starts playback of a media item.
type LoadRequest struct {
	PayloadHeader
	Media       MediaItem `json:"media"`
	CurrentTime float64   `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

// MediaCommand addresses an active media session (PLAY, PAUSE, STOP).
type MediaCommand struct {
	PayloadHeader
	MediaSessionID int `json:"mediaSessionId"`
}

// SeekRequest jumps to an absolute position in the current media.
type SeekRequest struct {
	PayloadHeader
	MediaSessionID int     `json:"mediaSessionId"`
	CurrentTime    float64 `json:"currentTime"`
	ResumeState    string  `json:"resumeState,omitempty"`
}

// MediaStatus is one entry of a MEDIA_STATUS response.
type MediaStatus struct {
	MediaSessionID int       `json:"mediaSessionId"`
	PlayerState    string    `json:"playerState"`
	CurrentTime    float64   `json:"currentTime"`
	IdleReason     string    `json:"idleReason"`
	Volume         Volume    `json:"volume"`
	Media          MediaItem `json:"media"`
}

// MediaStatusResponse is the MEDIA_STATUS body. An empty Status slice
// is normal when no media session exists yet.
type MediaStatusResponse struct {
	PayloadHeader
	Status []MediaStatus `json:"status"`
}

// Player states reported in MediaStatus.PlayerState.
const (
	PlayerStatePlaying   = "PLAYING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateBuffering = "BUFFERING"
	PlayerStateIdle      = "IDLE"
)
