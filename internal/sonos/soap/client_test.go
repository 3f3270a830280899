package soap

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient() *Client {
	c := NewClient(2 * time.Second)
	// Keep the policy, shrink the waits.
	c.http.RetryWaitMin = 5 * time.Millisecond
	c.http.RetryWaitMax = 20 * time.Millisecond
	return c
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`<s:Envelope><s:Body><u:PlayResponse/></s:Body></s:Envelope>`))
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), srv.URL, ServiceAVTransport, "Play", map[string]string{"InstanceID": "0"})
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
}

func TestDoGivesUpAfterRetryLimit(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), srv.URL, ServiceAVTransport, "Play", nil)
	require.Error(t, err)
	// First attempt plus two retries, no more.
	require.Equal(t, int32(3), attempts.Load())
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), srv.URL, ServiceAVTransport, "Play", nil)
	require.Error(t, err)
	require.Equal(t, int32(1), attempts.Load())

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, http.StatusUnauthorized, actionErr.StatusCode)
}

func TestDoSurfacesFaultString(t *testing.T) {
	fault := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault>
<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>
<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
<errorCode>701</errorCode><errorDescription>Transition not available</errorDescription>
</UPnPError></detail></s:Fault></s:Body></s:Envelope>`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(fault))
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), srv.URL, ServiceAVTransport, "Seek", nil)
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "701", actionErr.FaultCode)
	require.Contains(t, actionErr.Error(), "Transition not available")
}

func TestDoSetsSoapActionHeader(t *testing.T) {
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("SOAPACTION")
		w.Write([]byte("<ok/>"))
	}))
	defer srv.Close()

	c := newTestClient()
	_, err := c.Do(context.Background(), srv.URL, ServiceRenderingControl, "SetVolume", map[string]string{"DesiredVolume": "30"})
	require.NoError(t, err)
	require.Equal(t, `"urn:schemas-upnp-org:service:RenderingControl:1#SetVolume"`, header)
}

func TestGetZoneGroupStateUnescapesEmbeddedXML(t *testing.T) {
	// Sonos zones return the topology document entity-escaped inside
	// the ZoneGroupState element.
	envelope := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` +
		`<u:GetZoneGroupStateResponse xmlns:u="urn:schemas-upnp-org:service:ZoneGroupTopology:1">` +
		`<ZoneGroupState>&lt;ZoneGroups&gt;&lt;ZoneGroup Coordinator=&quot;RINCON_A&quot; ID=&quot;RINCON_A:12&quot;&gt;` +
		`&lt;ZoneGroupMember UUID=&quot;RINCON_A&quot; ZoneName=&quot;Den &amp;amp; Office&quot;/&gt;` +
		`&lt;/ZoneGroup&gt;&lt;/ZoneGroups&gt;</ZoneGroupState>` +
		`</u:GetZoneGroupStateResponse></s:Body></s:Envelope>`

	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(envelope))
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := newTestClient()
	zoneXML, err := c.GetZoneGroupState(context.Background(), Endpoint{Host: host, Port: port})
	require.NoError(t, err)
	require.Equal(t, zoneGroupTopologyPath, gotPath)

	require.Equal(t, `<ZoneGroups><ZoneGroup Coordinator="RINCON_A" ID="RINCON_A:12">`+
		`<ZoneGroupMember UUID="RINCON_A" ZoneName="Den &amp; Office"/>`+
		`</ZoneGroup></ZoneGroups>`, zoneXML)
}

func TestFormatAndParseDuration(t *testing.T) {
	require.Equal(t, "0:00:42", FormatDuration(42))
	require.Equal(t, "1:03:05", FormatDuration(3785))
	require.Equal(t, 3785, ParseDuration("1:03:05"))
	require.Equal(t, 0, ParseDuration("NOT_IMPLEMENTED"))
}

func TestEndpointControlURLFallbacks(t *testing.T) {
	ep := SonosEndpoint("192.168.1.50")
	require.Equal(t, "http://192.168.1.50:1400/MediaRenderer/AVTransport/Control", ep.ControlURL(ServiceAVTransport))
	require.Equal(t, "http://192.168.1.50:1400/MediaRenderer/RenderingControl/Control", ep.ControlURL(ServiceRenderingControl))
	require.Equal(t, "http://192.168.1.50:1400/ZoneGroupTopology/Control", ep.ControlURL(ServiceZoneGroupTopology))

	ep.AVTransportURL = "http://192.168.1.20:9197/dmr/upnp/control/AVTransport1"
	require.Equal(t, ep.AVTransportURL, ep.ControlURL(ServiceAVTransport))
}

func TestBuildEnvelopeEscapesArgs(t *testing.T) {
	body := string(buildEnvelope("urn:schemas-upnp-org:service:AVTransport:1", "SetAVTransportURI", map[string]string{
		"CurrentURI": "http://host/a?b=1&c=2",
	}))
	require.Contains(t, body, "http://host/a?b=1&amp;c=2")
	require.Contains(t, body, `<u:SetAVTransportURI xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">`)
}
