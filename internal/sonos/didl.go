package sonos

import (
	"encoding/xml"
	"strings"

	"github.com/strefethen/cast-bridge-go/internal/media"
	"github.com/strefethen/cast-bridge-go/internal/sonos/soap"
)

const didlHeader = `<DIDL-Lite xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/" xmlns:r="urn:schemas-rinconnetworks-com:metadata-1-0/" xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/">`

// BuildTrackMetadata renders the DIDL-Lite document SetAVTransportURI
// wants alongside a plain HTTP URI. Without it most renderers play the
// track but display nothing.
func BuildTrackMetadata(t media.Track) string {
	title := t.Title
	if title == "" {
		title = "Unknown"
	}
	contentType := t.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}

	var b strings.Builder
	b.WriteString(didlHeader)
	b.WriteString(`<item id="-1" parentID="-1" restricted="true">`)
	writeElement(&b, "dc:title", title)
	if t.Artist != "" {
		writeElement(&b, "dc:creator", t.Artist)
	}
	if t.Album != "" {
		writeElement(&b, "upnp:album", t.Album)
	}
	if t.ArtworkURL != "" {
		writeElement(&b, "upnp:albumArtURI", t.ArtworkURL)
	}
	writeElement(&b, "upnp:class", "object.item.audioItem.musicTrack")
	b.WriteString(`<res protocolInfo="http-get:*:` + escapeAttr(contentType) + `:*"`)
	if t.DurationSec > 0 {
		b.WriteString(` duration="` + soap.FormatDuration(t.DurationSec) + `"`)
	}
	b.WriteString(`>`)
	writeText(&b, t.URL)
	b.WriteString(`</res>`)
	b.WriteString(`</item></DIDL-Lite>`)
	return b.String()
}

func writeElement(b *strings.Builder, name, value string) {
	b.WriteString("<" + name + ">")
	writeText(b, value)
	b.WriteString("</" + name + ">")
}

func writeText(b *strings.Builder, value string) {
	if err := xml.EscapeText(b, []byte(value)); err != nil {
		b.WriteString(value)
	}
}

func escapeAttr(value string) string {
	var b strings.Builder
	writeText(&b, value)
	return b.String()
}
