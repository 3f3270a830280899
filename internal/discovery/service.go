package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/devices"
)

// ZoneEndpoint is what discovery knows about a Sonos zone before the
// topology resolver takes over.
type ZoneEndpoint struct {
	UDN            string
	RoomName       string
	Host           string
	Port           int
	AVTransportURL string
	DescriptionURL string
}

// ZoneSink receives Sonos zones as they are classified. Implemented by
// the topology resolver.
type ZoneSink interface {
	AddZone(z ZoneEndpoint)
	SoftReset()
}

// Service glues the SSDP and mDNS discoverers to the description
// fetcher and the registry. It owns the pending-location dedup both
// transports converge on, so a zone surfacing over SSDP and Bonjour is
// fetched exactly once.
type Service struct {
	cfg       config.Config
	logger    *log.Logger
	registry  *devices.Registry
	repo      *devices.Repository // optional
	zones     ZoneSink
	describer *Describer

	ssdp *SSDP
	mdns *MDNS

	mu       sync.Mutex
	running  bool
	pending  map[string]struct{} // locations fetched or in flight
	mdnsStop context.CancelFunc

	cron        *cron.Cron
	cronEntryID cron.EntryID
}

func NewService(cfg config.Config, logger *log.Logger, registry *devices.Registry, repo *devices.Repository, zones ZoneSink) *Service {
	if logger == nil {
		logger = log.Default()
	}
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		repo:      repo,
		zones:     zones,
		describer: NewDescriber(time.Duration(cfg.DescriptionFetchTimeoutMs) * time.Millisecond),
		pending:   make(map[string]struct{}),
	}
	s.ssdp = NewSSDP(logger, s.handleSSDPResponse)
	s.mdns = NewMDNS(logger, s.handleSonosMDNS, s.handleChromecastMDNS)
	return s
}

// Start begins discovery: SSDP bursts, mDNS browsing, fallback probes
// of previously known devices, and a periodic rescan.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.ssdp.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("start ssdp: %w", err)
	}

	if s.cfg.MDNSEnabled {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.mdnsStop = cancel
		s.mu.Unlock()
		go s.mdns.Run(ctx)
	}

	go s.probeKnownDevices()

	s.startRescan()
	return nil
}

// Stop halts discovery and cancels in-flight description fetches. The
// registry is left untouched; callers decide whether to clear it.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.mdnsStop
	s.mdnsStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.ssdp.Stop()
	s.stopRescan()
	s.describer.CancelAll()
}

// Boost triggers an out-of-band search burst on both transports
// without a restart.
func (s *Service) Boost() {
	s.ssdp.Boost()
	if s.cfg.MDNSEnabled {
		s.mdns.Boost()
	}
}

// Refresh restarts discovery while deliberately preserving the current
// device list, so the host application's picker never flickers to
// empty. It blocks for the settle delay; run it off the UI path.
func (s *Service) Refresh() {
	s.Stop()
	s.ResetFetchState()
	time.Sleep(time.Duration(s.cfg.RefreshSettleMs) * time.Millisecond)
	if err := s.Start(); err != nil {
		s.logger.Printf("discovery refresh restart failed: %v", err)
		return
	}
	// Supplemental boosts: zones that missed the initial bursts tend to
	// answer one of these.
	time.AfterFunc(5*time.Second, s.Boost)
	time.AfterFunc(15*time.Second, s.Boost)
}

// ResetFetchState clears only fetch-in-progress bookkeeping: the
// pending-location set, in-flight HTTP fetches, and the topology
// resolver's fetch state. Known devices and accumulated zone/group
// knowledge survive, which keeps grouping usable during a refresh.
func (s *Service) ResetFetchState() {
	s.mu.Lock()
	s.pending = make(map[string]struct{})
	s.mu.Unlock()
	s.describer.CancelAll()
	if s.zones != nil {
		s.zones.SoftReset()
	}
}

func (s *Service) handleSSDPResponse(resp Response) {
	s.handleLocation(resp.Location)
}

func (s *Service) handleSonosMDNS(descriptionURL string) {
	s.handleLocation(descriptionURL)
}

func (s *Service) handleChromecastMDNS(entry ChromecastEntry) {
	d := devices.Device{
		Key:          devices.ChromecastKey(entry.Host, entry.Port),
		Name:         entry.Name,
		Type:         devices.TypeChromecast,
		Host:         entry.Host,
		Port:         entry.Port,
		Manufacturer: "Google",
		Model:        entry.Model,
	}
	if s.registry.AddIfAbsent(d) {
		s.logger.Printf("discovered chromecast %q at %s", d.Name, d.Addr())
		s.persist(d)
	}
}

// handleLocation is the single funnel for description URLs from every
// transport. The pending set makes re-announcements idempotent.
func (s *Service) handleLocation(location string) {
	if location == "" {
		return
	}
	s.mu.Lock()
	if _, seen := s.pending[location]; seen {
		s.mu.Unlock()
		return
	}
	s.pending[location] = struct{}{}
	s.mu.Unlock()

	go s.fetchAndClassify(location)
}

func (s *Service) fetchAndClassify(location string) {
	desc, err := s.describer.Fetch(context.Background(), location)
	if err != nil {
		// Allow a later announcement to retry a failed fetch.
		s.mu.Lock()
		delete(s.pending, location)
		s.mu.Unlock()
		if !errors.Is(err, context.Canceled) {
			s.logger.Printf("description fetch %s failed: %v", location, err)
		}
		return
	}

	classified, err := Classify(desc)
	if err != nil {
		if !errors.Is(err, ErrNotARenderer) {
			s.logger.Printf("classify %s: %v", location, err)
		}
		return
	}

	if classified.IsSonos {
		if s.zones != nil {
			s.zones.AddZone(ZoneEndpoint{
				UDN:            classified.Device.Key,
				RoomName:       classified.Device.Name,
				Host:           classified.Device.Host,
				Port:           classified.Device.Port,
				AVTransportURL: classified.Device.AVTransportURL,
				DescriptionURL: classified.Device.DescriptionURL,
			})
		}
		s.persist(classified.Device)
		return
	}

	if s.registry.AddIfAbsent(classified.Device) {
		s.logger.Printf("discovered %s %q at %s", classified.Device.Type, classified.Device.Name, classified.Device.Addr())
		s.persist(classified.Device)
	}
}

// probeKnownDevices feeds last-seen locations and statically configured
// IPs through the normal fetch path.
func (s *Service) probeKnownDevices() {
	for _, ip := range s.cfg.StaticDeviceIPs {
		s.handleLocation(fmt.Sprintf("http://%s:%d/xml/device_description.xml", ip, sonosUPnPPort))
	}

	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locations, err := s.repo.KnownLocations(ctx)
	if err != nil {
		s.logger.Printf("known device lookup failed: %v", err)
		return
	}
	for _, loc := range locations {
		s.handleLocation(loc)
	}
}

func (s *Service) persist(d devices.Device) {
	if s.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Upsert(ctx, d); err != nil {
		s.logger.Printf("persist device %s failed: %v", d.Key, err)
	}
}

func (s *Service) startRescan() {
	interval := s.cfg.SSDPRescanIntervalSec
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}
	s.cron = cron.New()
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %ds", interval), func() {
		s.Boost()
		if s.repo != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.repo.PruneStale(ctx); err != nil {
				s.logger.Printf("prune stale devices: %v", err)
			}
			cancel()
		}
	})
	if err != nil {
		s.logger.Printf("schedule rescan: %v", err)
		s.cron = nil
		return
	}
	s.cronEntryID = id
	s.cron.Start()
}

func (s *Service) stopRescan() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
