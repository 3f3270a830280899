package sonos

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/discovery"
	"github.com/strefethen/cast-bridge-go/internal/media"
)

// A household with a stereo pair (one half Invisible) and a surround
// set (main with LF/RF, two rears, a sub), plus a kitchen zone joined
// to the living room group.
const zoneGroupStateXML = `<ZoneGroupState><ZoneGroups>
<ZoneGroup Coordinator="RINCON_LIVING" ID="RINCON_LIVING:42">
  <ZoneGroupMember UUID="RINCON_LIVING" Location="http://192.168.1.10:1400/xml/device_description.xml" ZoneName="Living Room" HTSatChanMapSet="RINCON_LIVING:LF,RF;RINCON_SURL:LR;RINCON_SURR:RR;RINCON_SUB:SW">
    <Satellite UUID="RINCON_SURL" Location="http://192.168.1.11:1400/xml/device_description.xml" ZoneName="Living Room" HTSatChanMapSet="RINCON_SURL:LR"/>
    <Satellite UUID="RINCON_SURR" Location="http://192.168.1.12:1400/xml/device_description.xml" ZoneName="Living Room" HTSatChanMapSet="RINCON_SURR:RR"/>
    <Satellite UUID="RINCON_SUB" Location="http://192.168.1.13:1400/xml/device_description.xml" ZoneName="Living Room" HTSatChanMapSet="RINCON_SUB:SW"/>
  </ZoneGroupMember>
  <ZoneGroupMember UUID="RINCON_KITCHEN" Location="http://192.168.1.20:1400/xml/device_description.xml" ZoneName="Kitchen"/>
</ZoneGroup>
<ZoneGroup Coordinator="RINCON_BED_L" ID="RINCON_BED_L:7">
  <ZoneGroupMember UUID="RINCON_BED_L" Location="http://192.168.1.30:1400/xml/device_description.xml" ZoneName="Bedroom" ChannelMapSet="RINCON_BED_L:LF,LF;RINCON_BED_R:RF,RF"/>
  <ZoneGroupMember UUID="RINCON_BED_R" Location="http://192.168.1.31:1400/xml/device_description.xml" ZoneName="Bedroom" Invisible="1" ChannelMapSet="RINCON_BED_L:LF,LF;RINCON_BED_R:RF,RF"/>
</ZoneGroup>
</ZoneGroups></ZoneGroupState>`

func TestParseZoneGroupState(t *testing.T) {
	topo := ParseZoneGroupState(zoneGroupStateXML)
	require.Len(t, topo.Groups, 2)

	living := topo.Groups[0]
	assert.Equal(t, "RINCON_LIVING", living.Coordinator)
	require.Len(t, living.Members, 5)

	byUDN := map[string]Member{}
	for _, m := range living.Members {
		byUDN[m.UDN] = m
	}
	assert.False(t, byUDN["RINCON_LIVING"].Satellite, "surround main renders LF/RF, not a satellite")
	assert.True(t, byUDN["RINCON_SURL"].Satellite)
	assert.True(t, byUDN["RINCON_SURR"].Satellite)
	assert.True(t, byUDN["RINCON_SUB"].Satellite)
	assert.False(t, byUDN["RINCON_KITCHEN"].Satellite)
	assert.Equal(t, "192.168.1.10", byUDN["RINCON_LIVING"].Host)

	bedroom := topo.Groups[1]
	require.Len(t, bedroom.Members, 2)
	assert.False(t, bedroom.Members[0].Bonded)
	assert.True(t, bedroom.Members[1].Bonded, "invisible pair half is bonded")
}

func newTestResolver() (*Resolver, *devices.Registry) {
	// Settle window far beyond test runtime so the fetch timer never
	// fires against the nil SOAP client.
	cfg := config.Config{
		TopologySettleMinMs: 60_000,
		TopologySettleMaxMs: 120_000,
		SonosTimeoutMs:      100,
	}
	registry := devices.NewRegistry()
	return NewResolver(cfg, nil, nil, registry), registry
}

func TestGroupDevicesOnePerGroup(t *testing.T) {
	r, _ := newTestResolver()
	r.zones["RINCON_LIVING"] = discovery.ZoneEndpoint{
		UDN: "RINCON_LIVING", RoomName: "Living Room", Host: "192.168.1.10", Port: 1400,
		AVTransportURL: "http://192.168.1.10:1400/MediaRenderer/AVTransport/Control",
	}

	topo := ParseZoneGroupState(zoneGroupStateXML)
	batch := r.groupDevicesLocked(&topo)
	require.Len(t, batch, 2)

	byKey := map[string]devices.Device{}
	for _, d := range batch {
		byKey[d.Key] = d
	}

	living, ok := byKey["RINCON_LIVING"]
	require.True(t, ok)
	// Satellites and the sub do not count as rooms; Kitchen does.
	assert.Equal(t, "Living Room + 1", living.Name)
	assert.Equal(t, "192.168.1.10", living.Host)
	assert.Equal(t, devices.TypeSonos, living.Type)
	assert.NotEmpty(t, living.AVTransportURL)

	bedroom, ok := byKey["RINCON_BED_L"]
	require.True(t, ok)
	assert.Equal(t, "Bedroom", bedroom.Name, "bonded pair half adds no room suffix")

	// Bonded and satellite units never become controllable entries.
	for _, hidden := range []string{"RINCON_BED_R", "RINCON_SURL", "RINCON_SURR", "RINCON_SUB", "RINCON_KITCHEN"} {
		_, present := byKey[hidden]
		assert.False(t, present, "%s should not be a device", hidden)
	}
}

func TestFallbackDevicesDedupedByRoom(t *testing.T) {
	r, _ := newTestResolver()
	zones := []discovery.ZoneEndpoint{
		{UDN: "RINCON_BED_R", RoomName: "Bedroom", Host: "192.168.1.31"},
		{UDN: "RINCON_BED_L", RoomName: "Bedroom", Host: "192.168.1.30",
			AVTransportURL: "http://192.168.1.30:1400/MediaRenderer/AVTransport/Control"},
		{UDN: "RINCON_KITCHEN", RoomName: "Kitchen", Host: "192.168.1.20"},
	}

	batch := r.fallbackDevices(zones)
	require.Len(t, batch, 2)

	byName := map[string]devices.Device{}
	for _, d := range batch {
		byName[d.Name] = d
	}
	// The half that advertises a control URL wins the room.
	assert.Equal(t, "RINCON_BED_L", byName["Bedroom"].Key)
	assert.Equal(t, "RINCON_KITCHEN", byName["Kitchen"].Key)
}

func TestGroupMembersCoordinatorFirst(t *testing.T) {
	r, _ := newTestResolver()
	topo := ParseZoneGroupState(zoneGroupStateXML)
	r.topology = &topo

	members := r.GroupMembers("RINCON_LIVING")
	require.Len(t, members, 2)
	assert.Equal(t, "RINCON_LIVING", members[0].UDN)
	assert.Equal(t, "RINCON_KITCHEN", members[1].UDN)

	assert.Nil(t, r.GroupMembers("RINCON_NOPE"))
}

func TestEndpointForPrefersZoneKnowledge(t *testing.T) {
	r, _ := newTestResolver()
	r.zones["RINCON_LIVING"] = discovery.ZoneEndpoint{
		UDN: "RINCON_LIVING", Host: "192.168.1.10", Port: 1400,
		AVTransportURL: "http://192.168.1.10:1400/MediaRenderer/AVTransport/Control",
	}
	topo := ParseZoneGroupState(zoneGroupStateXML)
	r.topology = &topo

	ep, ok := r.EndpointFor("RINCON_LIVING")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.10", ep.Host)
	assert.NotEmpty(t, ep.AVTransportURL)

	// Kitchen was never seen by discovery directly; fall back to the
	// topology's Location host.
	ep, ok = r.EndpointFor("RINCON_KITCHEN")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.20", ep.Host)

	_, ok = r.EndpointFor("RINCON_NOPE")
	assert.False(t, ok)
}

func TestSoftResetKeepsZonesAndTopology(t *testing.T) {
	r, _ := newTestResolver()
	r.AddZone(discovery.ZoneEndpoint{UDN: "RINCON_LIVING", RoomName: "Living Room", Host: "192.168.1.10"})
	topo := ParseZoneGroupState(zoneGroupStateXML)
	r.mu.Lock()
	r.topology = &topo
	r.mu.Unlock()

	r.SoftReset()

	assert.Len(t, r.Zones(), 1)
	assert.NotNil(t, r.GroupMembers("RINCON_LIVING"))

	r.mu.Lock()
	assert.Nil(t, r.fetchTimer, "pending fetch cancelled")
	assert.True(t, r.firstZoneAt.IsZero())
	r.mu.Unlock()
}

func TestBuildTrackMetadata(t *testing.T) {
	didl := BuildTrackMetadata(media.Track{
		URL:         "http://192.168.1.5:8555/media/abc.mp3",
		Title:       "Blue & Gold",
		Artist:      "Some Artist",
		Album:       "Some Album",
		ContentType: "audio/mpeg",
		DurationSec: 215,
	})

	assert.True(t, strings.HasPrefix(didl, "<DIDL-Lite"))
	assert.Contains(t, didl, "<dc:title>Blue &amp; Gold</dc:title>")
	assert.Contains(t, didl, "<dc:creator>Some Artist</dc:creator>")
	assert.Contains(t, didl, `duration="0:03:35"`)
	assert.Contains(t, didl, "object.item.audioItem.musicTrack")
	assert.Contains(t, didl, "http-get:*:audio/mpeg:*")
}

func TestBuildTrackMetadataDefaults(t *testing.T) {
	didl := BuildTrackMetadata(media.Track{URL: "http://host/x.mp3"})
	assert.Contains(t, didl, "<dc:title>Unknown</dc:title>")
	assert.NotContains(t, didl, "dc:creator")
	assert.NotContains(t, didl, "duration=")
}
