// Package soap implements the minimal SOAP 1.1 client used for UPnP
// AVTransport and RenderingControl actions, including the retry policy
// for transient device errors.
package soap

// Service identifies a UPnP service.
type Service string

const (
	ServiceAVTransport       Service = "AVTransport"
	ServiceRenderingControl  Service = "RenderingControl"
	ServiceZoneGroupTopology Service = "ZoneGroupTopology"
)

var serviceTypes = map[Service]string{
	ServiceAVTransport:       "urn:schemas-upnp-org:service:AVTransport:1",
	ServiceRenderingControl:  "urn:schemas-upnp-org:service:RenderingControl:1",
	ServiceZoneGroupTopology: "urn:schemas-upnp-org:service:ZoneGroupTopology:1",
}

// Well-known control paths used when a device does not advertise one.
const (
	renderingControlPath  = "/MediaRenderer/RenderingControl/Control"
	avTransportPath       = "/MediaRenderer/AVTransport/Control"
	zoneGroupTopologyPath = "/ZoneGroupTopology/Control"
)

// Endpoint addresses one renderer's control URLs. AVTransportURL comes
// from the device description; RenderingControl falls back to the
// well-known path when empty.
type Endpoint struct {
	Host                string
	Port                int
	AVTransportURL      string
	RenderingControlURL string
}

// SonosEndpoint builds the well-known endpoint for a Sonos zone.
func SonosEndpoint(host string) Endpoint {
	return Endpoint{Host: host, Port: 1400}
}
