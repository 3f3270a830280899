// Package sonos resolves discovered Sonos zones into controllable
// groups. Individual zones stream in from discovery; the resolver
// accumulates them, fetches the household topology once the set has
// settled, and publishes one registry entry per zone group.
package sonos

import (
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/discovery"
	"github.com/strefethen/cast-bridge-go/internal/sonos/soap"
)

// Topology is the parsed household state from GetZoneGroupState.
type Topology struct {
	Groups []Group
}

// Group is one zone group: a coordinator plus zero or more joined
// members.
type Group struct {
	ID          string
	Coordinator string
	Members     []Member
}

// Member is a single unit inside a group. Bonded units (invisible
// stereo-pair halves) and home-theater satellites are carried so the
// resolver can exclude them, but they are never controllable targets.
type Member struct {
	UDN       string
	RoomName  string
	Host      string
	Bonded    bool
	Satellite bool
}

// Resolver accumulates zones from discovery and turns them into group
// entries in the registry. It implements discovery.ZoneSink.
type Resolver struct {
	cfg      config.Config
	logger   *log.Logger
	client   *soap.Client
	registry *devices.Registry

	mu          sync.Mutex
	zones       map[string]discovery.ZoneEndpoint
	firstZoneAt time.Time
	fetchTimer  *time.Timer
	fetchCancel context.CancelFunc
	topology    *Topology
}

func NewResolver(cfg config.Config, logger *log.Logger, client *soap.Client, registry *devices.Registry) *Resolver {
	if logger == nil {
		logger = log.Default()
	}
	return &Resolver{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		registry: registry,
		zones:    make(map[string]discovery.ZoneEndpoint),
	}
}

// AddZone records a zone surfaced by discovery and (re)schedules the
// topology fetch. The fetch waits for the settle window after the
// first zone so one SOAP call covers the whole household, but a
// trickle of late zones cannot postpone it past the settle maximum.
func (r *Resolver) AddZone(z discovery.ZoneEndpoint) {
	if z.UDN == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[z.UDN] = z
	r.scheduleFetchLocked()
}

// SoftReset clears fetch bookkeeping so the next discovered zone
// schedules a fresh topology fetch. Accumulated zones and the last
// resolved topology survive; a refresh must not blank the group list.
func (r *Resolver) SoftReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelFetchLocked()
	r.firstZoneAt = time.Time{}
}

// RefreshTopology forces an immediate re-fetch, used after a
// join/leave once the household has had time to settle.
func (r *Resolver) RefreshTopology() {
	go r.fetchTopology()
}

// Zones returns the accumulated zone endpoints sorted by UDN.
func (r *Resolver) Zones() []discovery.ZoneEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.zonesLocked()
}

// EndpointFor resolves the SOAP endpoint for a zone or group
// coordinator UDN.
func (r *Resolver) EndpointFor(udn string) (soap.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if z, ok := r.zones[udn]; ok {
		ep := soap.SonosEndpoint(z.Host)
		if z.Port != 0 {
			ep.Port = z.Port
		}
		ep.AVTransportURL = z.AVTransportURL
		return ep, true
	}
	if r.topology != nil {
		for _, g := range r.topology.Groups {
			for _, m := range g.Members {
				if m.UDN == udn && m.Host != "" {
					return soap.SonosEndpoint(m.Host), true
				}
			}
		}
	}
	return soap.Endpoint{}, false
}

// GroupMembers lists the visible members of the group coordinated by
// the given UDN, coordinator first.
func (r *Resolver) GroupMembers(coordinatorUDN string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topology == nil {
		return nil
	}
	for _, g := range r.topology.Groups {
		if g.Coordinator != coordinatorUDN {
			continue
		}
		var out []Member
		for _, m := range g.Members {
			if m.Bonded || m.Satellite {
				continue
			}
			if m.UDN == g.Coordinator {
				out = append([]Member{m}, out...)
			} else {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// JoinGroup makes the zone a member of the coordinator's group, then
// refreshes the topology after the household settles.
func (r *Resolver) JoinGroup(ctx context.Context, zoneUDN, coordinatorUDN string) error {
	ep, ok := r.EndpointFor(zoneUDN)
	if !ok {
		return fmt.Errorf("unknown zone %s", zoneUDN)
	}
	if err := r.client.JoinGroup(ctx, ep, coordinatorUDN); err != nil {
		return err
	}
	time.AfterFunc(r.settleMin(), r.fetchTopology)
	return nil
}

// LeaveGroup detaches the zone into a standalone group, then refreshes
// the topology after the household settles.
func (r *Resolver) LeaveGroup(ctx context.Context, zoneUDN string) error {
	ep, ok := r.EndpointFor(zoneUDN)
	if !ok {
		return fmt.Errorf("unknown zone %s", zoneUDN)
	}
	if err := r.client.BecomeCoordinatorOfStandaloneGroup(ctx, ep); err != nil {
		return err
	}
	time.AfterFunc(r.settleMin(), r.fetchTopology)
	return nil
}

func (r *Resolver) settleMin() time.Duration {
	return time.Duration(r.cfg.TopologySettleMinMs) * time.Millisecond
}

func (r *Resolver) settleMax() time.Duration {
	return time.Duration(r.cfg.TopologySettleMaxMs) * time.Millisecond
}

// scheduleFetchLocked arms (or re-arms) the settle timer. Each new
// zone pushes the fetch out by the settle minimum, capped at the
// settle maximum measured from the first zone of the batch.
func (r *Resolver) scheduleFetchLocked() {
	now := time.Now()
	if r.firstZoneAt.IsZero() {
		r.firstZoneAt = now
	}
	delay := r.settleMin()
	if deadline := r.firstZoneAt.Add(r.settleMax()); now.Add(delay).After(deadline) {
		delay = time.Until(deadline)
		if delay < 0 {
			delay = 0
		}
	}
	if r.fetchTimer != nil {
		r.fetchTimer.Stop()
	}
	r.fetchTimer = time.AfterFunc(delay, r.fetchTopology)
}

func (r *Resolver) cancelFetchLocked() {
	if r.fetchTimer != nil {
		r.fetchTimer.Stop()
		r.fetchTimer = nil
	}
	if r.fetchCancel != nil {
		r.fetchCancel()
		r.fetchCancel = nil
	}
}

// fetchTopology asks one zone for the household topology and rebuilds
// the registry's Sonos entries from the answer. Any zone can be asked;
// they all report the same state. On failure the accumulated zones
// stand in, one entry per room.
func (r *Resolver) fetchTopology() {
	r.mu.Lock()
	r.fetchTimer = nil
	r.firstZoneAt = time.Time{}
	zones := r.zonesLocked()
	if len(zones) == 0 {
		r.mu.Unlock()
		return
	}
	timeout := time.Duration(r.cfg.SonosTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	if r.fetchCancel != nil {
		r.fetchCancel()
	}
	r.fetchCancel = cancel
	r.mu.Unlock()
	defer cancel()

	var topo *Topology
	for i, z := range zones {
		if i >= 3 {
			break
		}
		callCtx, callCancel := context.WithTimeout(ctx, timeout)
		zoneXML, err := r.client.GetZoneGroupState(callCtx, soap.SonosEndpoint(z.Host))
		callCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Printf("zone group state from %s failed: %v", z.Host, err)
			continue
		}
		parsed := ParseZoneGroupState(zoneXML)
		if len(parsed.Groups) > 0 {
			topo = &parsed
			break
		}
	}

	if topo == nil {
		r.logger.Printf("topology fetch failed for all zones, using per-zone fallback")
		r.registry.ApplyBatch(devices.TypeSonos, r.fallbackDevices(zones))
		return
	}

	r.mu.Lock()
	r.topology = topo
	r.fetchCancel = nil
	batch := r.groupDevicesLocked(topo)
	r.mu.Unlock()

	r.registry.ApplyBatch(devices.TypeSonos, batch)
}

// groupDevicesLocked builds one controllable device per group, named
// for the coordinator's room.
func (r *Resolver) groupDevicesLocked(topo *Topology) []devices.Device {
	var out []devices.Device
	for _, g := range topo.Groups {
		var coord *Member
		visibleRooms := map[string]struct{}{}
		for i := range g.Members {
			m := &g.Members[i]
			if m.Bonded || m.Satellite {
				continue
			}
			visibleRooms[m.RoomName] = struct{}{}
			if m.UDN == g.Coordinator {
				coord = m
			}
		}
		if coord == nil {
			continue
		}

		host := coord.Host
		var avURL, descURL string
		if z, ok := r.zones[coord.UDN]; ok {
			if host == "" {
				host = z.Host
			}
			avURL = z.AVTransportURL
			descURL = z.DescriptionURL
		}
		if host == "" {
			continue
		}

		name := coord.RoomName
		if extra := len(visibleRooms) - 1; extra > 0 {
			name = fmt.Sprintf("%s + %d", name, extra)
		}

		out = append(out, devices.Device{
			Key:            coord.UDN,
			Name:           name,
			Type:           devices.TypeSonos,
			Host:           host,
			Port:           1400,
			Manufacturer:   "Sonos, Inc.",
			AVTransportURL: avURL,
			DescriptionURL: descURL,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// fallbackDevices publishes one entry per room when no zone answered
// the topology query. Stereo-pair halves share a room name; prefer the
// zone that advertises an AVTransport control URL, then the lowest UDN
// for determinism.
func (r *Resolver) fallbackDevices(zones []discovery.ZoneEndpoint) []devices.Device {
	byRoom := make(map[string]discovery.ZoneEndpoint)
	for _, z := range zones {
		room := z.RoomName
		if room == "" {
			room = z.UDN
		}
		cur, ok := byRoom[room]
		if !ok || betterZone(z, cur) {
			byRoom[room] = z
		}
	}

	out := make([]devices.Device, 0, len(byRoom))
	for room, z := range byRoom {
		out = append(out, devices.Device{
			Key:            z.UDN,
			Name:           room,
			Type:           devices.TypeSonos,
			Host:           z.Host,
			Port:           1400,
			Manufacturer:   "Sonos, Inc.",
			AVTransportURL: z.AVTransportURL,
			DescriptionURL: z.DescriptionURL,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func betterZone(candidate, current discovery.ZoneEndpoint) bool {
	if (candidate.AVTransportURL != "") != (current.AVTransportURL != "") {
		return candidate.AVTransportURL != ""
	}
	return candidate.UDN < current.UDN
}

func (r *Resolver) zonesLocked() []discovery.ZoneEndpoint {
	out := make([]discovery.ZoneEndpoint, 0, len(r.zones))
	for _, z := range r.zones {
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UDN < out[j].UDN })
	return out
}

// ParseZoneGroupState parses the ZoneGroupState XML document. Bonded
// units carry Invisible="1"; home-theater units carry HTSatChanMapSet,
// where the front channels (LF/RF) mark the controllable main and
// everything else (rears, subwoofer) a satellite.
func ParseZoneGroupState(zoneXML string) Topology {
	decoder := xml.NewDecoder(strings.NewReader(zoneXML))
	var topo Topology
	var current *Group

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "ZoneGroup":
			group := Group{}
			for _, attr := range se.Attr {
				switch attr.Name.Local {
				case "ID":
					group.ID = attr.Value
				case "Coordinator":
					group.Coordinator = attr.Value
				}
			}
			topo.Groups = append(topo.Groups, group)
			current = &topo.Groups[len(topo.Groups)-1]
		case "ZoneGroupMember":
			if current == nil {
				continue
			}
			current.Members = append(current.Members, memberFromAttrs(se.Attr, false))
		case "Satellite":
			if current == nil {
				continue
			}
			current.Members = append(current.Members, memberFromAttrs(se.Attr, true))
		}
	}

	return topo
}

func memberFromAttrs(attrs []xml.Attr, satelliteElement bool) Member {
	m := Member{}
	var htSatChan string
	for _, attr := range attrs {
		switch attr.Name.Local {
		case "UUID":
			m.UDN = attr.Value
		case "ZoneName":
			m.RoomName = attr.Value
		case "Location":
			m.Host = hostFromLocation(attr.Value)
		case "Invisible":
			m.Bonded = attr.Value == "1" || attr.Value == "true"
		case "HTSatChanMapSet":
			htSatChan = attr.Value
		}
	}
	if htSatChan != "" {
		// LF/RF means the unit renders the front channels itself, so it
		// is the surround main, not a satellite.
		if !rendersFrontChannels(htSatChan, m.UDN) {
			m.Satellite = true
		}
	} else if satelliteElement {
		m.Satellite = true
	}
	return m
}

// rendersFrontChannels reports whether the channel map assigns the
// front (LF/RF) channels to the given unit. The map lists entries for
// every unit in the home-theater set ("UUID:LF,RF;UUID:RR;...").
func rendersFrontChannels(htSatChanMapSet, udn string) bool {
	for _, entry := range strings.Split(htSatChanMapSet, ";") {
		uuid, channels, ok := strings.Cut(entry, ":")
		if !ok || uuid != udn {
			continue
		}
		if strings.Contains(channels, "LF") || strings.Contains(channels, "RF") {
			return true
		}
	}
	return false
}

func hostFromLocation(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
