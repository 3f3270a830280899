package discovery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

const (
	sonosServiceType      = "_sonos._tcp"
	googlecastServiceType = "_googlecast._tcp"

	// Sonos devices always serve their UPnP description on 1400.
	sonosUPnPPort = 1400

	chromecastPort = 8009

	mdnsQueryTimeout = 3 * time.Second
	mdnsScanInterval = 30 * time.Second
)

// ChromecastEntry is a resolved _googlecast._tcp service.
type ChromecastEntry struct {
	Name  string
	Model string
	Host  string
	Port  int
}

// MDNS supplements SSDP with Bonjour browsing: some Sonos firmware
// answers M-SEARCH unreliably, and Chromecast devices do not announce
// over SSDP at all.
type MDNS struct {
	logger       *log.Logger
	onSonos      func(descriptionURL string)
	onChromecast func(ChromecastEntry)
}

func NewMDNS(logger *log.Logger, onSonos func(string), onChromecast func(ChromecastEntry)) *MDNS {
	if logger == nil {
		logger = log.Default()
	}
	return &MDNS{logger: logger, onSonos: onSonos, onChromecast: onChromecast}
}

// Run browses both service types until ctx is cancelled, re-querying on
// a fixed cadence. Entries resolve to IPv4 only; IPv6 is skipped on
// purpose, renderer control does not require it.
func (m *MDNS) Run(ctx context.Context) {
	for {
		m.queryOnce()
		select {
		case <-ctx.Done():
			return
		case <-time.After(mdnsScanInterval):
		}
	}
}

// Boost runs one immediate query round.
func (m *MDNS) Boost() {
	go m.queryOnce()
}

func (m *MDNS) queryOnce() {
	m.browse(sonosServiceType, func(entry *mdns.ServiceEntry) {
		if entry.AddrV4 == nil {
			return
		}
		url := fmt.Sprintf("http://%s:%d/xml/device_description.xml", entry.AddrV4.String(), sonosUPnPPort)
		if m.onSonos != nil {
			m.onSonos(url)
		}
	})

	m.browse(googlecastServiceType, func(entry *mdns.ServiceEntry) {
		if entry.AddrV4 == nil {
			return
		}
		port := entry.Port
		if port == 0 {
			port = chromecastPort
		}
		cc := ChromecastEntry{
			Name: friendlyNameFromTXT(entry.InfoFields, entry.Name),
			Host: entry.AddrV4.String(),
			Port: port,
		}
		cc.Model = txtField(entry.InfoFields, "md")
		if m.onChromecast != nil {
			m.onChromecast(cc)
		}
	})
}

func (m *MDNS) browse(service string, handle func(*mdns.ServiceEntry)) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			handle(entry)
		}
	}()

	params := &mdns.QueryParam{
		Service:     service,
		Domain:      "local",
		Timeout:     mdnsQueryTimeout,
		Entries:     entries,
		DisableIPv6: true,
	}
	if err := mdns.Query(params); err != nil {
		m.logger.Printf("mdns query %s error: %v", service, err)
	}
	close(entries)
	<-done
}

// friendlyNameFromTXT prefers the fn= TXT record over the instance
// name, which is usually "<model>-<id>._googlecast._tcp.local.".
func friendlyNameFromTXT(fields []string, fallback string) string {
	if fn := txtField(fields, "fn"); fn != "" {
		return fn
	}
	name := strings.TrimSuffix(fallback, "."+googlecastServiceType+".local.")
	return strings.ReplaceAll(name, "\\ ", " ")
}

func txtField(fields []string, key string) string {
	prefix := key + "="
	for _, f := range fields {
		if strings.HasPrefix(f, prefix) {
			return strings.TrimPrefix(f, prefix)
		}
	}
	return ""
}
