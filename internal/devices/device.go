// Package devices holds the renderer model shared by every discovery
// path and the thread-safe registry they all feed.
package devices

import (
	"fmt"
	"time"
)

// Type classifies a discovered renderer.
type Type string

const (
	TypeChromecast Type = "chromecast"
	TypeSonos      Type = "sonos"
	TypeDLNATV     Type = "dlna-tv"
)

// Device is one controllable renderer. Key is the stable identity:
// the UPnP UDN when the device advertises one, otherwise host:port
// (Chromecast). Identity never changes after creation; everything else
// may be refreshed in place by the registry on re-discovery.
type Device struct {
	Key            string
	Name           string
	Type           Type
	Host           string
	Port           int
	Manufacturer   string
	Model          string
	AVTransportURL string
	DescriptionURL string
	LastSeenAt     time.Time
}

// Addr returns the device's host:port endpoint.
func (d Device) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// ChromecastKey derives the identity key for devices without a UDN.
func ChromecastKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
