package discovery

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const ssdpAddr = "239.255.255.250:1900"

// Search targets: one M-SEARCH round per target per burst.
var ssdpTargets = []string{
	"urn:schemas-upnp-org:device:MediaRenderer:1",
	"urn:schemas-upnp-org:device:ZonePlayer:1",
}

// burstDelays schedules M-SEARCH rounds after Start. The early burst
// catches fast devices; the tail catches zones that wake slowly.
var burstDelays = []time.Duration{
	500 * time.Millisecond,
	3 * time.Second,
	6 * time.Second,
	9 * time.Second,
	12 * time.Second,
}

// Response is one parsed SSDP unicast reply.
type Response struct {
	Location string
	USN      string
	ST       string
	FromIP   string
}

// SSDP broadcasts M-SEARCH rounds and hands every parsed response to
// the handler. The handler runs on the read goroutine and must be
// cheap; dedup and fetching happen in the Service.
type SSDP struct {
	logger  *log.Logger
	handler func(Response)

	mu     sync.Mutex
	conn   *net.UDPConn
	timers []*time.Timer
	wg     sync.WaitGroup
}

func NewSSDP(logger *log.Logger, handler func(Response)) *SSDP {
	if logger == nil {
		logger = log.Default()
	}
	return &SSDP{logger: logger, handler: handler}
}

// Start binds a fresh UDP socket on an ephemeral port (never the
// multicast port itself), starts the read loop, and schedules the
// search bursts. Calling Start after Stop allocates a new socket; a
// stale descriptor is never reused.
func (s *SSDP) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	// SO_REUSEADDR lets a restart rebind while sockets from the previous
	// run linger in TIME_WAIT.
	lc := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var sockErr error
			if err := raw.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp4", ":0")
	if err != nil {
		return err
	}
	conn := pc.(*net.UDPConn)
	s.conn = conn

	s.wg.Add(1)
	go s.readLoop(conn)

	for _, delay := range burstDelays {
		t := time.AfterFunc(delay, func() { s.sendRound(conn) })
		s.timers = append(s.timers, t)
	}
	return nil
}

// Stop cancels pending bursts and closes the socket, which unblocks the
// read loop.
func (s *SSDP) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}

// Boost sends one out-of-band search round without restarting the
// discoverer. No-op when stopped.
func (s *SSDP) Boost() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		s.sendRound(conn)
	}
}

func (s *SSDP) readLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Closed socket ends the loop; anything else is logged and
			// also ends it, the next Start opens a fresh socket.
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Printf("ssdp read error: %v", err)
			}
			return
		}
		resp := parseSSDPResponse(string(buf[:n]))
		if resp.Location == "" {
			continue
		}
		resp.FromIP = raddr.IP.String()
		if s.handler != nil {
			s.handler(resp)
		}
	}
}

func (s *SSDP) sendRound(conn *net.UDPConn) {
	addr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		s.logger.Printf("ssdp resolve error: %v", err)
		return
	}
	for _, target := range ssdpTargets {
		msg := strings.Join([]string{
			"M-SEARCH * HTTP/1.1",
			"HOST: " + ssdpAddr,
			"MAN: \"ssdp:discover\"",
			"MX: 3",
			"ST: " + target,
			"",
			"",
		}, "\r\n")
		if _, err := conn.WriteToUDP([]byte(msg), addr); err != nil {
			s.logger.Printf("ssdp search send error: %v", err)
		}
	}
}

func parseSSDPResponse(raw string) Response {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	headers := make(map[string]string)

	// Skip status line.
	scanner.Scan()

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	return Response{
		Location: headers["LOCATION"],
		USN:      headers["USN"],
		ST:       headers["ST"],
	}
}
