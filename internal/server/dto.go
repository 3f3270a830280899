package server

import (
	"github.com/strefethen/cast-bridge-go/internal/cast"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/media"
)

// Wire shapes for the control API and the websocket event feed. The
// core model stays json-agnostic; only this package decides field
// names on the wire.

type trackDTO struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	ArtworkURL  string `json:"artwork_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
}

func (t trackDTO) model() media.Track {
	return media.Track{
		URL:         t.URL,
		Title:       t.Title,
		Artist:      t.Artist,
		Album:       t.Album,
		ArtworkURL:  t.ArtworkURL,
		ContentType: t.ContentType,
		DurationSec: t.DurationSec,
	}
}

func trackFrom(m media.Track) trackDTO {
	return trackDTO{
		URL:         m.URL,
		Title:       m.Title,
		Artist:      m.Artist,
		Album:       m.Album,
		ArtworkURL:  m.ArtworkURL,
		ContentType: m.ContentType,
		DurationSec: m.DurationSec,
	}
}

type deviceDTO struct {
	Key          string `json:"key"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
}

func deviceFrom(d devices.Device) deviceDTO {
	return deviceDTO{
		Key:          d.Key,
		Name:         d.Name,
		Type:         string(d.Type),
		Host:         d.Host,
		Port:         d.Port,
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
	}
}

func devicesFrom(list []devices.Device) []deviceDTO {
	out := make([]deviceDTO, len(list))
	for i, d := range list {
		out[i] = deviceFrom(d)
	}
	return out
}

type sessionDTO struct {
	State       string     `json:"state"`
	Device      *deviceDTO `json:"device,omitempty"`
	Track       *trackDTO  `json:"track,omitempty"`
	Player      string     `json:"player_state,omitempty"`
	PositionSec float64    `json:"position_sec"`
	DurationSec float64    `json:"duration_sec,omitempty"`
	VolumeLevel float64    `json:"volume_level"`
	Muted       bool       `json:"muted"`
	Loading     bool       `json:"loading"`
	Error       string     `json:"error,omitempty"`
}

func sessionFrom(s cast.Session, positionSec float64) sessionDTO {
	dto := sessionDTO{
		State:       string(s.State),
		Player:      string(s.Player),
		PositionSec: positionSec,
		DurationSec: s.DurationSec,
		VolumeLevel: s.VolumeLevel,
		Muted:       s.Muted,
		Loading:     s.Loading,
		Error:       s.ErrMessage,
	}
	if s.Device.Key != "" {
		d := deviceFrom(s.Device)
		dto.Device = &d
	}
	if s.Track.URL != "" {
		t := trackFrom(s.Track)
		dto.Track = &t
	}
	return dto
}

// eventDTO is what goes out on /ws/events.
type eventDTO struct {
	Type    string      `json:"type"`
	Devices []deviceDTO `json:"devices,omitempty"`
	Session *sessionDTO `json:"session,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func eventFrom(e cast.Event) eventDTO {
	dto := eventDTO{Type: string(e.Type)}
	switch e.Type {
	case cast.EventDevicesChanged:
		dto.Devices = devicesFrom(e.Devices)
	case cast.EventSessionChanged, cast.EventPlaybackStateChanged:
		s := sessionFrom(e.Session, e.Session.BasePos)
		dto.Session = &s
	case cast.EventError:
		if e.Err != nil {
			dto.Error = e.Err.Error()
		}
	}
	return dto
}
