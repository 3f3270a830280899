package discovery

import (
	"fmt"
	"strings"

	"github.com/strefethen/cast-bridge-go/internal/devices"
)

// Manufacturers that advertise MediaRenderer but are not playback
// targets anyone wants in a device picker: NAS boxes, routers, hubs.
var excludedManufacturers = []string{
	"synology",
	"qnap",
	"western digital",
	"netgear",
	"tp-link",
	"d-link",
	"asustek",
	"buffalo",
	"ubiquiti",
	"plex",
	"signify", // hue bridge
	"fritz",
}

// TV vendors whose renderers are controllable DLNA TVs.
var tvManufacturers = []string{
	"samsung",
	"lg electronics",
	"sony",
	"panasonic",
	"philips",
	"vizio",
	"sharp",
	"hisense",
	"tcl",
	"toshiba",
	"grundig",
}

// Outcome of classification for descriptions matching the Sonos path.
type Classified struct {
	Device  devices.Device
	IsSonos bool
}

// Classify applies the renderer policy, in order:
//  1. excluded manufacturer: discard
//  2. Sonos manufacturer: route to the zone path regardless of
//     AVTransport presence (topology decides controllability)
//  3. no AVTransport control URL: discard
//  4. TV vendor, or model/name mentioning a TV: DLNA TV
//  5. anything else: discard as an unsupported renderer
func Classify(desc *Description) (Classified, error) {
	manufacturer := strings.ToLower(desc.Manufacturer)

	for _, excluded := range excludedManufacturers {
		if strings.Contains(manufacturer, excluded) {
			return Classified{}, fmt.Errorf("%w: excluded manufacturer %q", ErrNotARenderer, desc.Manufacturer)
		}
	}

	if strings.Contains(manufacturer, "sonos") {
		return Classified{
			IsSonos: true,
			Device: devices.Device{
				Key:            identityKey(desc),
				Name:           sonosDisplayName(desc),
				Type:           devices.TypeSonos,
				Host:           desc.Host,
				Port:           desc.Port,
				Manufacturer:   desc.Manufacturer,
				Model:          desc.ModelName,
				AVTransportURL: desc.AVTransportURL,
				DescriptionURL: desc.Location,
			},
		}, nil
	}

	if desc.AVTransportURL == "" {
		return Classified{}, fmt.Errorf("%w: no AVTransport control URL", ErrNotARenderer)
	}

	if isTV(desc) {
		return Classified{
			Device: devices.Device{
				Key:            identityKey(desc),
				Name:           desc.FriendlyName,
				Type:           devices.TypeDLNATV,
				Host:           desc.Host,
				Port:           desc.Port,
				Manufacturer:   desc.Manufacturer,
				Model:          desc.ModelName,
				AVTransportURL: desc.AVTransportURL,
				DescriptionURL: desc.Location,
			},
		}, nil
	}

	return Classified{}, fmt.Errorf("%w: %q / %q", ErrNotARenderer, desc.Manufacturer, desc.ModelName)
}

func isTV(desc *Description) bool {
	manufacturer := strings.ToLower(desc.Manufacturer)
	for _, vendor := range tvManufacturers {
		if strings.Contains(manufacturer, vendor) {
			return true
		}
	}
	haystack := strings.ToLower(desc.ModelName + " " + desc.FriendlyName)
	return containsWord(haystack, "tv") || strings.Contains(haystack, "television")
}

// containsWord avoids matching "tv" inside words like "nativity".
func containsWord(s, word string) bool {
	for _, tok := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '[' || r == ']' || r == '(' || r == ')'
	}) {
		if tok == word {
			return true
		}
	}
	return false
}

func identityKey(desc *Description) string {
	if desc.UDN != "" {
		return strings.TrimPrefix(desc.UDN, "uuid:")
	}
	return devices.ChromecastKey(desc.Host, desc.Port)
}

// sonosDisplayName prefers the room name; the friendlyName form is
// usually "<ip> - Sonos <model>".
func sonosDisplayName(desc *Description) string {
	if desc.RoomName != "" {
		return desc.RoomName
	}
	if name, _, found := strings.Cut(desc.FriendlyName, "-"); found {
		return strings.TrimSpace(name)
	}
	return desc.FriendlyName
}
