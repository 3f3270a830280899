// Package chromecast speaks the Cast V2 control channel: a TLS
// connection carrying length-framed binary messages whose payloads are
// JSON documents. One Client manages one device session from TLS
// connect through app launch to media control.
package chromecast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
	"github.com/strefethen/cast-bridge-go/internal/castwire"
	"github.com/strefethen/cast-bridge-go/internal/media"
)

// State is the connection lifecycle of a client.
type State int

const (
	StateDisconnected State = iota
	StateTLSConnecting
	StateConnected
	StateAppLaunching
	StateAppReady
	StateMediaLoaded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTLSConnecting:
		return "tlsConnecting"
	case StateConnected:
		return "connected"
	case StateAppLaunching:
		return "appLaunching"
	case StateAppReady:
		return "appReady"
	case StateMediaLoaded:
		return "mediaLoaded"
	}
	return "unknown"
}

const (
	heartbeatInterval = 5 * time.Second
	// Missing this many heartbeats in a row means the device is gone.
	heartbeatMisses = 3
)

// StatusListener receives media status updates, both replies and
// device-initiated pushes.
type StatusListener func(MediaStatus)

// CloseListener fires when the device ends the session or the
// connection drops.
type CloseListener func(err error)

// Client is one Cast control channel. All exported methods are safe
// for concurrent use; a single mutex serializes session state while
// the read loop runs independently.
type Client struct {
	host           string
	port           int
	logger         *log.Logger
	connectTimeout time.Duration
	launchTimeout  time.Duration

	onStatus StatusListener
	onClose  CloseListener

	requestID atomic.Int64

	mu             sync.Mutex
	state          State
	conn           io.ReadWriteCloser
	transportID    string
	sessionID      string
	mediaSessionID int
	lastStatus     *MediaStatus
	volume         Volume
	pongAt         time.Time
	waiters        map[string][]chan []byte
	readDone       chan struct{}
	stopHeartbeat  chan struct{}
	closed         bool
}

type Options struct {
	Host           string
	Port           int
	Logger         *log.Logger
	ConnectTimeout time.Duration
	LaunchTimeout  time.Duration
	OnStatus       StatusListener
	OnClose        CloseListener
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Port == 0 {
		opts.Port = 8009
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = 10 * time.Second
	}
	return &Client{
		host:           opts.Host,
		port:           opts.Port,
		logger:         opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		launchTimeout:  opts.LaunchTimeout,
		onStatus:       opts.OnStatus,
		onClose:        opts.OnClose,
		waiters:        make(map[string][]chan []byte),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MediaSessionID returns the active media session id, 0 when none.
func (c *Client) MediaSessionID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaSessionID
}

// LastStatus returns the most recent media status, nil before the
// first one arrives.
func (c *Client) LastStatus() *MediaStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStatus == nil {
		return nil
	}
	s := *c.lastStatus
	return &s
}

// Volume returns the last known receiver volume.
func (c *Client) Volume() Volume {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// Connect dials the device and establishes the platform virtual
// connection. Cast devices present self-signed certificates, so chain
// verification is off; the trust anchor is the local network.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateTLSConnecting
	c.closed = false
	c.mu.Unlock()

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.connectTimeout},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if ctx.Err() != nil {
			return apperrors.NewConnectionTimeout("chromecast tls connect " + addr)
		}
		return apperrors.NewConnectionFailed("chromecast tls connect "+addr, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.pongAt = time.Now()
	c.readDone = make(chan struct{})
	c.stopHeartbeat = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.heartbeatLoop()

	if err := c.send(namespaceConnection, receiverID, &PayloadHeader{Type: typeConnect}); err != nil {
		c.teardown(err)
		return apperrors.NewConnectionFailed("chromecast virtual connect", err)
	}
	return nil
}

// Launch starts the default media receiver and connects to its
// transport. If the app is already running it is reused.
func (c *Client) Launch(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateDisconnected, StateTLSConnecting:
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrorCodeSessionNotActive, "not connected")
	case StateAppReady, StateMediaLoaded:
		c.mu.Unlock()
		return nil
	}
	c.state = StateAppLaunching
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.launchTimeout)
	defer cancel()

	// A running instance shows up in plain status; skip the launch.
	status, err := c.receiverStatus(ctx)
	if err == nil {
		if app := findApp(status, defaultMediaReceiverAppID); app != nil {
			return c.attachApp(app)
		}
	}

	// A failed launch leaves the platform connection usable; drop back
	// to connected so State() doesn't report a launch in progress.
	fail := func(err error) error {
		c.mu.Lock()
		if c.state == StateAppLaunching {
			c.state = StateConnected
		}
		c.mu.Unlock()
		return err
	}

	ch := c.addWaiter(typeReceiverStatus)
	defer c.removeWaiter(typeReceiverStatus, ch)
	if err := c.send(namespaceReceiver, receiverID, &LaunchRequest{
		PayloadHeader: PayloadHeader{Type: typeLaunch},
		AppID:         defaultMediaReceiverAppID,
	}); err != nil {
		return fail(apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "launch media receiver", err))
	}

	// The device may emit several RECEIVER_STATUS updates before the
	// app has a transport id; keep waiting for the one that does.
	for {
		payload, err := c.await(ctx, ch)
		if err != nil {
			return fail(apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "media receiver did not launch", err))
		}
		var rs ReceiverStatus
		if err := json.Unmarshal(payload, &rs); err != nil {
			continue
		}
		if app := findApp(&rs, defaultMediaReceiverAppID); app != nil && app.TransportID != "" {
			return c.attachApp(app)
		}
	}
}

func (c *Client) attachApp(app *Application) error {
	c.mu.Lock()
	c.transportID = app.TransportID
	c.sessionID = app.SessionID
	c.state = StateAppReady
	c.mu.Unlock()

	if err := c.send(namespaceConnection, app.TransportID, &PayloadHeader{Type: typeConnect}); err != nil {
		return apperrors.NewConnectionFailed("connect to app transport", err)
	}
	return nil
}

// Load starts playback of a track, optionally at an offset.
func (c *Client) Load(ctx context.Context, t media.Track, startSeconds float64) error {
	transport, err := c.requireApp()
	if err != nil {
		return err
	}

	item := MediaItem{
		ContentID:   t.URL,
		ContentType: t.ContentType,
		StreamType:  "BUFFERED",
	}
	if item.ContentType == "" {
		item.ContentType = "audio/mpeg"
	}
	if t.DurationSec > 0 {
		item.Duration = float64(t.DurationSec)
	}
	if t.Title != "" || t.Artist != "" || t.ArtworkURL != "" {
		item.Metadata = &MediaMetadata{
			MetadataType: 3,
			Title:        t.Title,
			Artist:       t.Artist,
			AlbumName:    t.Album,
		}
		if t.ArtworkURL != "" {
			item.Metadata.Images = []Image{{URL: t.ArtworkURL}}
		}
	}

	ch := c.addWaiter(typeMediaStatus)
	defer c.removeWaiter(typeMediaStatus, ch)
	if err := c.send(namespaceMedia, transport, &LoadRequest{
		PayloadHeader: PayloadHeader{Type: typeLoad},
		Media:         item,
		CurrentTime:   startSeconds,
		Autoplay:      true,
	}); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodePlaybackFailed, "load media", err)
	}

	payload, err := c.await(ctx, ch)
	if err != nil {
		return apperrors.NewConnectionTimeout("waiting for media load")
	}
	var ms MediaStatusResponse
	if err := json.Unmarshal(payload, &ms); err != nil || len(ms.Status) == 0 {
		return apperrors.New(apperrors.ErrorCodePlaybackFailed, "device rejected media load")
	}

	c.mu.Lock()
	c.mediaSessionID = ms.Status[0].MediaSessionID
	c.lastStatus = &ms.Status[0]
	c.state = StateMediaLoaded
	c.mu.Unlock()
	return nil
}

// Play resumes the current media session.
func (c *Client) Play(ctx context.Context) error {
	return c.mediaCommand(ctx, typePlay)
}

// Pause pauses the current media session.
func (c *Client) Pause(ctx context.Context) error {
	return c.mediaCommand(ctx, typePause)
}

// Stop stops playback and releases the media session.
func (c *Client) Stop(ctx context.Context) error {
	if err := c.mediaCommand(ctx, typeStop); err != nil {
		return err
	}
	c.mu.Lock()
	c.mediaSessionID = 0
	if c.state == StateMediaLoaded {
		c.state = StateAppReady
	}
	c.mu.Unlock()
	return nil
}

// Seek jumps to an absolute position in the current media.
func (c *Client) Seek(ctx context.Context, seconds float64) error {
	transport, err := c.requireApp()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sessionID := c.mediaSessionID
	c.mu.Unlock()
	if sessionID == 0 {
		return apperrors.NewNoTrackPlaying()
	}
	return c.send(namespaceMedia, transport, &SeekRequest{
		PayloadHeader:  PayloadHeader{Type: typeSeek},
		MediaSessionID: sessionID,
		CurrentTime:    seconds,
		ResumeState:    "PLAYBACK_START",
	})
}

// GetMediaStatus polls the app for media status. A device with no
// media session answers with an empty status array; that returns
// (nil, nil), not an error.
func (c *Client) GetMediaStatus(ctx context.Context) (*MediaStatus, error) {
	transport, err := c.requireApp()
	if err != nil {
		return nil, err
	}

	ch := c.addWaiter(typeMediaStatus)
	defer c.removeWaiter(typeMediaStatus, ch)
	if err := c.send(namespaceMedia, transport, &PayloadHeader{Type: typeGetStatus}); err != nil {
		return nil, apperrors.NewNetworkError(err)
	}

	payload, err := c.await(ctx, ch)
	if err != nil {
		return nil, apperrors.NewConnectionTimeout("waiting for media status")
	}
	var ms MediaStatusResponse
	if err := json.Unmarshal(payload, &ms); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeInternal, "decode media status", err)
	}
	if len(ms.Status) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	c.lastStatus = &ms.Status[0]
	if ms.Status[0].MediaSessionID != 0 {
		c.mediaSessionID = ms.Status[0].MediaSessionID
	}
	c.mu.Unlock()
	return &ms.Status[0], nil
}

// GetReceiverStatus polls the platform for receiver status, which
// carries the device volume.
func (c *Client) GetReceiverStatus(ctx context.Context) (*ReceiverStatus, error) {
	return c.receiverStatus(ctx)
}

// SetVolume sets the receiver volume level (0.0 to 1.0).
func (c *Client) SetVolume(ctx context.Context, level float64) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	return c.send(namespaceReceiver, receiverID, &SetVolumeRequest{
		PayloadHeader: PayloadHeader{Type: typeSetVolume},
		Volume:        volumePatch{Level: &level},
	})
}

// SetMuted sets receiver mute without touching the level.
func (c *Client) SetMuted(ctx context.Context, muted bool) error {
	return c.send(namespaceReceiver, receiverID, &SetVolumeRequest{
		PayloadHeader: PayloadHeader{Type: typeSetVolume},
		Volume:        volumePatch{Muted: &muted},
	})
}

// Disconnect closes the session politely: CLOSE to the app transport,
// CLOSE to the platform, then the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	transport := c.transportID
	connected := c.conn != nil && !c.closed
	c.mu.Unlock()

	if connected {
		if transport != "" {
			_ = c.send(namespaceConnection, transport, &PayloadHeader{Type: typeClose})
		}
		_ = c.send(namespaceConnection, receiverID, &PayloadHeader{Type: typeClose})
	}
	c.teardown(nil)
}

func (c *Client) requireApp() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAppReady && c.state != StateMediaLoaded {
		return "", apperrors.NewSessionNotActive()
	}
	return c.transportID, nil
}

func (c *Client) mediaCommand(ctx context.Context, msgType string) error {
	transport, err := c.requireApp()
	if err != nil {
		return err
	}
	c.mu.Lock()
	sessionID := c.mediaSessionID
	c.mu.Unlock()
	if sessionID == 0 {
		return apperrors.NewNoTrackPlaying()
	}
	return c.send(namespaceMedia, transport, &MediaCommand{
		PayloadHeader:  PayloadHeader{Type: msgType},
		MediaSessionID: sessionID,
	})
}

func (c *Client) receiverStatus(ctx context.Context) (*ReceiverStatus, error) {
	ch := c.addWaiter(typeReceiverStatus)
	defer c.removeWaiter(typeReceiverStatus, ch)
	if err := c.send(namespaceReceiver, receiverID, &PayloadHeader{Type: typeGetStatus}); err != nil {
		return nil, apperrors.NewNetworkError(err)
	}
	payload, err := c.await(ctx, ch)
	if err != nil {
		return nil, apperrors.NewConnectionTimeout("waiting for receiver status")
	}
	var rs ReceiverStatus
	if err := json.Unmarshal(payload, &rs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrorCodeInternal, "decode receiver status", err)
	}
	c.mu.Lock()
	c.volume = rs.Status.Volume
	c.mu.Unlock()
	return &rs, nil
}

// send marshals the payload, assigns a correlation id, and writes one
// framed message.
func (c *Client) send(namespace, destination string, p Payload) error {
	p.setRequestID(int(c.requestID.Add(1)))
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}

	msg := castwire.Message{
		ProtocolVersion: protocolVersion,
		SourceID:        senderID,
		DestinationID:   destination,
		Namespace:       namespace,
		PayloadType:     payloadTypeUTF8,
		PayloadUTF8:     string(body),
	}
	frame := castwire.AppendFrame(nil, msg.Encode())

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return apperrors.NewSessionNotActive()
	}
	_, err = conn.Write(frame)
	return err
}

func (c *Client) readLoop(conn io.Reader) {
	defer close(c.readDone)

	var fb castwire.FrameBuffer
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range fb.Feed(buf[:n]) {
				c.handleMessage(msg)
			}
		}
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if !wasClosed {
				c.teardown(err)
			}
			return
		}
	}
}

// handleMessage dispatches one inbound message: heartbeats are
// answered inline, CLOSE tears the relevant scope down, and everything
// else is routed to waiters by payload type. Responses carry no echo
// of the request id we can rely on across firmware versions, so
// correlation is by type.
func (c *Client) handleMessage(msg castwire.Message) {
	payload := []byte(msg.PayloadUTF8)
	msgType, err := jsonparser.GetString(payload, "type")
	if err != nil {
		return
	}

	switch msgType {
	case typePing:
		_ = c.send(namespaceHeartbeat, msg.SourceID, &PayloadHeader{Type: typePong})
		return
	case typePong:
		c.mu.Lock()
		c.pongAt = time.Now()
		c.mu.Unlock()
		return
	case typeClose:
		c.handleClose(msg.SourceID)
		return
	case typeMediaStatus:
		c.handleMediaStatusPush(payload)
	case typeLaunchError, typeLoadFailed, typeInvalidRequest:
		c.logger.Printf("chromecast %s: %s from %s", msgType, msg.PayloadUTF8, msg.SourceID)
	}

	// Delivery stays under the lock: teardown closes waiter channels
	// while holding it, so an unlocked send could hit a closed channel.
	// The channels are buffered and the send never blocks.
	c.mu.Lock()
	for _, ch := range c.waiters[msgType] {
		select {
		case ch <- payload:
		default:
		}
	}
	c.mu.Unlock()
}

// handleMediaStatusPush keeps the cached media session fresh from
// device-initiated MEDIA_STATUS messages.
func (c *Client) handleMediaStatusPush(payload []byte) {
	var ms MediaStatusResponse
	if err := json.Unmarshal(payload, &ms); err != nil || len(ms.Status) == 0 {
		return
	}
	status := ms.Status[0]

	c.mu.Lock()
	c.lastStatus = &status
	if status.MediaSessionID != 0 {
		c.mediaSessionID = status.MediaSessionID
	}
	if status.PlayerState == PlayerStateIdle && status.IdleReason == "FINISHED" {
		c.mediaSessionID = 0
		if c.state == StateMediaLoaded {
			c.state = StateAppReady
		}
	}
	listener := c.onStatus
	c.mu.Unlock()

	if listener != nil {
		listener(status)
	}
}

// handleClose reacts to a CLOSE from the device. A close from the app
// transport ends the media session; a close from the platform ends the
// whole connection.
func (c *Client) handleClose(from string) {
	c.mu.Lock()
	transport := c.transportID
	c.mu.Unlock()

	if from == transport && transport != "" {
		c.mu.Lock()
		c.transportID = ""
		c.sessionID = ""
		c.mediaSessionID = 0
		if c.state == StateAppReady || c.state == StateMediaLoaded {
			c.state = StateConnected
		}
		listener := c.onClose
		c.mu.Unlock()
		if listener != nil {
			listener(apperrors.New(apperrors.ErrorCodeSessionNotActive, "receiver app closed"))
		}
		return
	}
	c.teardown(apperrors.New(apperrors.ErrorCodeDeviceOffline, "device closed connection"))
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.pongAt) > heartbeatMisses*heartbeatInterval
			c.mu.Unlock()
			if stale {
				c.teardown(apperrors.New(apperrors.ErrorCodeDeviceOffline, "heartbeat lost"))
				return
			}
			if err := c.send(namespaceHeartbeat, receiverID, &PayloadHeader{Type: typePing}); err != nil {
				return
			}
		}
	}
}

// teardown closes the socket and resets all session state. Safe to
// call from any goroutine, repeatedly.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	stop := c.stopHeartbeat
	c.conn = nil
	c.transportID = ""
	c.sessionID = ""
	c.mediaSessionID = 0
	c.lastStatus = nil
	c.state = StateDisconnected
	for t, chans := range c.waiters {
		for _, ch := range chans {
			close(ch)
		}
		delete(c.waiters, t)
	}
	listener := c.onClose
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Close()
	}
	if cause != nil && listener != nil {
		listener(cause)
	}
}

func (c *Client) addWaiter(msgType string) chan []byte {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.waiters[msgType] = append(c.waiters[msgType], ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) removeWaiter(msgType string, ch chan []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[msgType]
	for i, other := range chans {
		if other == ch {
			c.waiters[msgType] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
}

// await blocks for a payload on the waiter channel or the context.
func (c *Client) await(ctx context.Context, ch chan []byte) ([]byte, error) {
	select {
	case payload, ok := <-ch:
		if !ok {
			return nil, apperrors.New(apperrors.ErrorCodeDeviceOffline, "connection closed")
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func findApp(rs *ReceiverStatus, appID string) *Application {
	if rs == nil {
		return nil
	}
	for i := range rs.Status.Applications {
		if rs.Status.Applications[i].AppID == appID {
			return &rs.Status.Applications[i]
		}
	}
	return nil
}
