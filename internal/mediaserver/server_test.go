package mediaserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// startedServer binds an ephemeral port and tears down with the test.
func startedServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(0, nil)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func localURL(s *Server, pathAndQuery string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), pathAndQuery)
}

// tokenFromURL pulls the /media/{token}.{ext} tail off a registered
// URL so tests can hit the local interface regardless of the LAN IP
// the server advertised.
func tail(url string) string {
	i := strings.Index(url, "/media/")
	if i < 0 {
		i = strings.Index(url, "/stream/")
	}
	return url[i:]
}

func TestRegisterFileServesFullContent(t *testing.T) {
	s := startedServer(t)
	path := writeTempFile(t, "song.mp3", 1000)

	_, url, err := s.RegisterFile(path)
	require.NoError(t, err)
	assert.Contains(t, url, ".mp3")

	resp, err := http.Get(localURL(s, tail(url)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Contains(t, resp.Header.Get("Content-Type"), "audio/")
	body, _ := io.ReadAll(resp.Body)
	assert.Len(t, body, 1000)
}

func TestMediaRangeRequests(t *testing.T) {
	s := startedServer(t)
	path := writeTempFile(t, "song.mp3", 1000)
	_, url, err := s.RegisterFile(path)
	require.NoError(t, err)

	get := func(rng string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, localURL(s, tail(url)), nil)
		req.Header.Set("Range", rng)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// Closed range.
	resp := get("bytes=100-199")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/1000", resp.Header.Get("Content-Range"))
	body, _ := io.ReadAll(resp.Body)
	require.Len(t, body, 100)
	assert.Equal(t, byte(100%251), body[0])

	// Open-ended range.
	resp = get("bytes=900-")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 900-999/1000", resp.Header.Get("Content-Range"))
	body, _ = io.ReadAll(resp.Body)
	assert.Len(t, body, 100)

	// End past EOF clamps.
	resp = get("bytes=990-5000")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 990-999/1000", resp.Header.Get("Content-Range"))

	// Start past EOF: unsatisfiable.
	resp = get("bytes=2000-")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))

	// Forms this server does not handle are ignored, not rejected.
	for _, rng := range []string{"bytes=-500", "bytes=0-99,200-299", "bytes=abc-def"} {
		resp = get(rng)
		assert.Equal(t, http.StatusOK, resp.StatusCode, rng)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Len(t, body, 1000, rng)
	}
}

func TestUnknownTokenIs404(t *testing.T) {
	s := startedServer(t)

	resp, err := http.Get(localURL(s, "/media/no-such-token.mp3"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(localURL(s, "/stream/no-such-token"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnregisterRevokesToken(t *testing.T) {
	s := startedServer(t)
	path := writeTempFile(t, "song.mp3", 10)
	token, url, err := s.RegisterFile(path)
	require.NoError(t, err)

	s.Unregister(token)

	resp, err := http.Get(localURL(s, tail(url)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamProxyRelaysRangeAndStatus(t *testing.T) {
	var gotRange string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "audio/flac")
		w.Header().Set("Content-Range", "bytes 5-9/100")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcde"))
	}))
	defer origin.Close()

	s := startedServer(t)
	_, url, err := s.RegisterStream(origin.URL)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, localURL(s, tail(url)), nil)
	req.Header.Set("Range", "bytes=5-9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bytes=5-9", gotRange)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "audio/flac", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bytes 5-9/100", resp.Header.Get("Content-Range"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "abcde", string(body))
}

func TestRegisterStreamRejectsNonHTTP(t *testing.T) {
	s := NewServer(0, nil)
	_, _, err := s.RegisterStream("ftp://example.com/file")
	assert.Error(t, err)
}

func TestRegisterFileRejectsMissingAndDir(t *testing.T) {
	s := NewServer(0, nil)
	_, _, err := s.RegisterFile(filepath.Join(t.TempDir(), "nope.mp3"))
	assert.Error(t, err)
	_, _, err = s.RegisterFile(t.TempDir())
	assert.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	s := startedServer(t)
	port := s.Port()
	require.NoError(t, s.Start())
	assert.Equal(t, port, s.Port())
}

func TestContentTypeSniffFallback(t *testing.T) {
	s := startedServer(t)
	// MP3 magic with no extension to go on.
	path := filepath.Join(t.TempDir(), "mystery")
	data := append([]byte("ID3"), make([]byte, 400)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, url, err := s.RegisterFile(path)
	require.NoError(t, err)

	resp, err := http.Get(localURL(s, tail(url)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header        string
		size          int64
		start, end    int64
		ok            bool
		unsatisfiable bool
	}{
		{"bytes=0-499", 1000, 0, 499, true, false},
		{"bytes=500-", 1000, 500, 999, true, false},
		{"bytes=0-0", 1000, 0, 0, true, false},
		{"bytes=999-", 1000, 999, 999, true, false},
		{"bytes=990-5000", 1000, 990, 999, true, false},
		// Start past the entity end is the one rejectable case.
		{"bytes=1000-", 1000, 0, 0, false, true},
		{"bytes=2000-2100", 1000, 0, 0, false, true},
		// Everything else unparseable is ignored, not rejected.
		{"bytes=-500", 1000, 0, 0, false, false},
		{"bytes=0-499,600-699", 1000, 0, 0, false, false},
		{"chunks=0-499", 1000, 0, 0, false, false},
		{"bytes=abc-def", 1000, 0, 0, false, false},
		{"bytes=200-100", 1000, 0, 0, false, false},
	}
	for _, tc := range cases {
		start, end, ok, unsatisfiable := parseRange(tc.header, tc.size)
		assert.Equal(t, tc.ok, ok, tc.header)
		assert.Equal(t, tc.unsatisfiable, unsatisfiable, tc.header)
		if tc.ok {
			assert.Equal(t, tc.start, start, tc.header)
			assert.Equal(t, tc.end, end, tc.header)
		}
	}
}

func TestEventHubBroadcast(t *testing.T) {
	s := startedServer(t)

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/ws/events", s.Port())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Events().SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	s.Events().Broadcast(map[string]string{"type": "devicesChanged"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]string
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "devicesChanged", got["type"])
}
