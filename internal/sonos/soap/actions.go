package soap

import (
	"context"
	"fmt"
	"strconv"
)

// AVTransport actions.

func (c *Client) SetAVTransportURI(ctx context.Context, ep Endpoint, uri, metadata string) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         uri,
		"CurrentURIMetaData": metadata,
	})
	return err
}

func (c *Client) Play(ctx context.Context, ep Endpoint) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	})
	return err
}

func (c *Client) Pause(ctx context.Context, ep Endpoint) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "Pause", map[string]string{
		"InstanceID": "0",
	})
	return err
}

func (c *Client) Stop(ctx context.Context, ep Endpoint) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "Stop", map[string]string{
		"InstanceID": "0",
	})
	return err
}

// Seek jumps to an absolute position expressed as H:MM:SS.
func (c *Client) Seek(ctx context.Context, ep Endpoint, seconds int) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "Seek", map[string]string{
		"InstanceID": "0",
		"Unit":       "REL_TIME",
		"Target":     FormatDuration(seconds),
	})
	return err
}

func (c *Client) GetPositionInfo(ctx context.Context, ep Endpoint) (PositionInfo, error) {
	payload, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "GetPositionInfo", map[string]string{
		"InstanceID": "0",
	})
	if err != nil {
		return PositionInfo{}, err
	}
	return parsePositionInfo(payload), nil
}

func (c *Client) GetTransportInfo(ctx context.Context, ep Endpoint) (TransportInfo, error) {
	payload, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "GetTransportInfo", map[string]string{
		"InstanceID": "0",
	})
	if err != nil {
		return TransportInfo{}, err
	}
	return parseTransportInfo(payload), nil
}

// BecomeCoordinatorOfStandaloneGroup detaches a Sonos zone from its
// group (leave-group).
func (c *Client) BecomeCoordinatorOfStandaloneGroup(ctx context.Context, ep Endpoint) error {
	_, err := c.Do(ctx, ep.ControlURL(ServiceAVTransport), ServiceAVTransport, "BecomeCoordinatorOfStandaloneGroup", map[string]string{
		"InstanceID": "0",
	})
	return err
}

// JoinGroup points a zone's transport at a group coordinator using the
// synthetic x-rincon URI.
func (c *Client) JoinGroup(ctx context.Context, ep Endpoint, coordinatorUDN string) error {
	return c.SetAVTransportURI(ctx, ep, "x-rincon:"+coordinatorUDN, "")
}

// RenderingControl actions.

func (c *Client) GetVolume(ctx context.Context, ep Endpoint) (int, error) {
	payload, err := c.Do(ctx, ep.ControlURL(ServiceRenderingControl), ServiceRenderingControl, "GetVolume", map[string]string{
		"InstanceID": "0",
		"Channel":    "Master",
	})
	if err != nil {
		return 0, err
	}
	vol, _ := strconv.Atoi(parseTextValue(payload, "CurrentVolume"))
	return vol, nil
}

func (c *Client) SetVolume(ctx context.Context, ep Endpoint, level int) error {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	_, err := c.Do(ctx, ep.ControlURL(ServiceRenderingControl), ServiceRenderingControl, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": strconv.Itoa(level),
	})
	return err
}

func (c *Client) GetMute(ctx context.Context, ep Endpoint) (bool, error) {
	payload, err := c.Do(ctx, ep.ControlURL(ServiceRenderingControl), ServiceRenderingControl, "GetMute", map[string]string{
		"InstanceID": "0",
		"Channel":    "Master",
	})
	if err != nil {
		return false, err
	}
	v := parseTextValue(payload, "CurrentMute")
	return v == "1" || v == "true", nil
}

func (c *Client) SetMute(ctx context.Context, ep Endpoint, mute bool) error {
	desired := "0"
	if mute {
		desired = "1"
	}
	_, err := c.Do(ctx, ep.ControlURL(ServiceRenderingControl), ServiceRenderingControl, "SetMute", map[string]string{
		"InstanceID":  "0",
		"Channel":     "Master",
		"DesiredMute": desired,
	})
	return err
}

// ZoneGroupTopology actions.

// GetZoneGroupState returns the raw (already entity-unescaped)
// ZoneGroupState XML document.
func (c *Client) GetZoneGroupState(ctx context.Context, ep Endpoint) (string, error) {
	payload, err := c.Do(ctx, ep.ControlURL(ServiceZoneGroupTopology), ServiceZoneGroupTopology, "GetZoneGroupState", map[string]string{})
	if err != nil {
		return "", err
	}
	// The response embeds HTML-escaped XML inside <ZoneGroupState>; the
	// XML decoder unescapes entities while extracting the element text.
	zoneXML := parseTextValue(payload, "ZoneGroupState")
	if zoneXML == "" {
		zoneXML = string(payload)
	}
	return zoneXML, nil
}

// FormatDuration renders seconds as the H:MM:SS form Seek expects.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// ParseDuration parses H:MM:SS (or HH:MM:SS) to seconds.
func ParseDuration(s string) int {
	if s == "" || s == "NOT_IMPLEMENTED" {
		return 0
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0
	}
	return h*3600 + m*60 + sec
}
