// Package mediaserver embeds the HTTP server that makes local files
// and remote streams reachable by renderers on the LAN. Devices pull
// media over plain HTTP with Range requests; resources are addressed
// by random tokens so the URL itself is the capability.
package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/h2non/filetype"

	"github.com/strefethen/cast-bridge-go/internal/apperrors"
)

// Server serves registered media. It starts lazily on the first
// registration and keeps running until Stop; repeated Start calls are
// no-ops.
type Server struct {
	port   int
	logger *log.Logger
	events *EventHub

	mu       sync.Mutex
	started  bool
	listener net.Listener
	httpSrv  *http.Server

	resources *resourceTable
	proxy     *http.Client
}

func NewServer(port int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		port:      port,
		logger:    logger,
		events:    NewEventHub(logger),
		resources: newResourceTable(),
		proxy: &http.Client{
			// Streams are long-lived; only bound the dial and headers.
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
	}
}

// Events exposes the websocket event hub for broadcast use.
func (s *Server) Events() *EventHub { return s.events }

// Start binds the listener and begins serving. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return apperrors.NewLocalServerError(fmt.Sprintf("listen on port %d", s.port), err)
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Get("/healthz", s.handleHealth)
	router.Get("/media/{name}", s.handleMedia)
	router.Head("/media/{name}", s.handleMedia)
	router.Get("/stream/{token}", s.handleStream)
	router.Head("/stream/{token}", s.handleStream)
	router.Get("/ws/events", s.events.HandleWS)

	s.listener = ln
	s.httpSrv = &http.Server{Handler: router}
	s.started = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("media server stopped: %v", err)
		}
	}()
	s.logger.Printf("media server listening on %s", ln.Addr())
	return nil
}

// Stop shuts the server down and drops all registrations.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv := s.httpSrv
	s.httpSrv = nil
	s.listener = nil
	s.mu.Unlock()

	s.resources.removeAll()
	s.events.CloseAll()
	return srv.Shutdown(ctx)
}

// Port returns the bound port, which differs from the configured one
// when it was 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.port
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.port
}

// RegisterFile publishes a local file and returns its token and the
// URL a renderer on the LAN can fetch it from. Starts the server on
// first use.
func (s *Server) RegisterFile(path string) (token, url string, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", apperrors.NewLocalServerError("stat media file", err)
	}
	if info.IsDir() {
		return "", "", apperrors.New(apperrors.ErrorCodeLocalServer, "media path is a directory")
	}
	if err := s.Start(); err != nil {
		return "", "", err
	}

	token = s.resources.addFile(path)
	res, _ := s.resources.get(token)
	return token, s.mediaURL(token, res.ext), nil
}

// RegisterStream publishes a proxy for a remote URL, for renderers
// that cannot fetch it directly (HTTPS-only CDNs, auth headers).
func (s *Server) RegisterStream(origin string) (token, url string, err error) {
	if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
		return "", "", apperrors.NewInvalidURL(origin)
	}
	if err := s.Start(); err != nil {
		return "", "", err
	}

	token = s.resources.addStream(origin)
	return token, fmt.Sprintf("http://%s:%d/stream/%s", lanIP(), s.Port(), token), nil
}

// Unregister revokes one token.
func (s *Server) Unregister(token string) {
	s.resources.remove(token)
}

// UnregisterAll revokes every token, typically on session end.
func (s *Server) UnregisterAll() {
	s.resources.removeAll()
}

func (s *Server) mediaURL(token, ext string) string {
	return fmt.Sprintf("http://%s:%d/media/%s%s", lanIP(), s.Port(), token, ext)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","resources":%d}`, s.resources.count())
}

// handleMedia serves a registered file, honoring a single byte range.
// Renderers seek by issuing Range requests, so 206/416 semantics
// matter more here than for a browser.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	token := strings.TrimSuffix(name, filepathExt(name))

	res, ok := s.resources.get(token)
	if !ok || res.kind != kindFile {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(res.path)
	if err != nil {
		s.logger.Printf("open media %s: %v", res.path, err)
		http.Error(w, "media unavailable", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "media unavailable", http.StatusInternalServerError)
		return
	}
	size := info.Size()

	w.Header().Set("Content-Type", s.contentTypeFor(res, f))
	w.Header().Set("Accept-Ranges", "bytes")

	var start, end int64
	ranged := false
	if rng := r.Header.Get("Range"); rng != "" {
		var unsatisfiable bool
		start, end, ranged, unsatisfiable = parseRange(rng, size)
		if unsatisfiable {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
	}
	if !ranged {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, f)
		}
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	io.CopyN(w, f, end-start+1)
}

// handleStream proxies a registered remote URL, relaying the Range
// request upstream and the upstream's status and entity headers back.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	res, ok := s.resources.get(token)
	if !ok || res.kind != kindStream {
		http.NotFound(w, r)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, res.origin, nil)
	if err != nil {
		http.Error(w, "bad origin", http.StatusInternalServerError)
		return
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}

	resp, err := s.proxy.Do(req)
	if err != nil {
		s.logger.Printf("stream proxy %s: %v", res.origin, err)
		http.Error(w, "origin unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for _, h := range []string{"Content-Type", "Content-Length", "Content-Range", "Accept-Ranges"} {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		io.Copy(w, resp.Body)
	}
}

// Media extensions the platform mime table often lacks.
var extMIME = map[string]string{
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// contentTypeFor resolves the content type from the extension, then by
// sniffing the file header. The reader is rewound after sniffing.
func (s *Server) contentTypeFor(res resource, f *os.File) string {
	if res.ext != "" {
		if ct, ok := extMIME[res.ext]; ok {
			return ct
		}
		if ct := mime.TypeByExtension(res.ext); ct != "" {
			return ct
		}
	}

	head := make([]byte, 261)
	n, _ := io.ReadFull(f, head)
	f.Seek(0, io.SeekStart)
	if kind, err := filetype.Match(head[:n]); err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	return "application/octet-stream"
}

// parseRange parses a single byte range: "bytes=a-b" or "bytes=a-".
// Forms this server does not handle (suffix ranges, multi-range,
// malformed specs) come back ok=false and the request is served in
// full, per RFC 7233's instruction to ignore an unparseable Range.
// unsatisfiable reports a well-formed range whose start is past the
// end of the entity; an end past it is clamped.
func parseRange(header string, size int64) (start, end int64, ok, unsatisfiable bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return 0, 0, false, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, false
	}
	if start >= size {
		return 0, 0, false, true
	}
	if endStr == "" {
		return start, size - 1, true, false
	}
	end, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return 0, 0, false, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true, false
}

func filepathExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

// lanIP finds the address renderers should dial back to: the source
// address of an outbound route, not loopback.
func lanIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
