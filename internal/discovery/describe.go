package discovery

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Description is the extracted subset of a UPnP device description.
type Description struct {
	FriendlyName   string
	Manufacturer   string
	ModelName      string
	UDN            string
	RoomName       string
	AVTransportURL string
	Location       string
	Host           string
	Port           int
}

// ErrNotARenderer marks devices the classifier discards: excluded
// manufacturers, devices without AVTransport, unsupported renderer
// types. Discovery logs and drops these; they never surface.
var ErrNotARenderer = errors.New("not a supported media renderer")

// Describer fetches and parses device descriptions. In-flight requests
// are tracked so a discovery reset can cancel them all before their
// completions mutate state that has moved on.
type Describer struct {
	client  *http.Client
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewDescriber(timeout time.Duration) *Describer {
	return &Describer{
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
				TLSHandshakeTimeout: timeout,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		inflight: make(map[string]context.CancelFunc),
	}
}

// Fetch GETs and parses the description document at location.
func (d *Describer) Fetch(ctx context.Context, location string) (*Description, error) {
	reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
	d.track(location, cancel)
	defer d.untrack(location)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("description fetch %s: http %d", location, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	desc, err := ParseDescription(body, location)
	if err != nil {
		return nil, err
	}
	return desc, nil
}

// CancelAll aborts every in-flight fetch. Used when discovery state is
// reset so late completions cannot re-populate cleared bookkeeping.
func (d *Describer) CancelAll() {
	d.mu.Lock()
	for loc, cancel := range d.inflight {
		cancel()
		delete(d.inflight, loc)
	}
	d.mu.Unlock()
}

func (d *Describer) track(location string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.inflight[location] = cancel
	d.mu.Unlock()
}

func (d *Describer) untrack(location string) {
	d.mu.Lock()
	delete(d.inflight, location)
	d.mu.Unlock()
}

// ParseDescription extracts the fields classification needs. Exact-tag
// extraction is deliberate; the documents are small and we only touch a
// handful of elements. The AVTransport control URL is resolved against
// the description document's base URL.
func ParseDescription(payload []byte, location string) (*Description, error) {
	base, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("bad description location %q: %w", location, err)
	}

	desc := &Description{Location: location, Host: base.Hostname()}
	if p := base.Port(); p != "" {
		desc.Port, _ = strconv.Atoi(p)
	} else {
		desc.Port = 80
	}

	decoder := xml.NewDecoder(strings.NewReader(string(payload)))
	var inService bool
	var serviceType, controlURL string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "service":
				inService = true
				serviceType, controlURL = "", ""
			case "serviceType":
				if inService {
					decodeText(decoder, &se, &serviceType)
				}
			case "controlURL":
				if inService {
					decodeText(decoder, &se, &controlURL)
				}
			case "friendlyName":
				if desc.FriendlyName == "" {
					decodeText(decoder, &se, &desc.FriendlyName)
				}
			case "manufacturer":
				if desc.Manufacturer == "" {
					decodeText(decoder, &se, &desc.Manufacturer)
				}
			case "modelName":
				if desc.ModelName == "" {
					decodeText(decoder, &se, &desc.ModelName)
				}
			case "roomName":
				if desc.RoomName == "" {
					decodeText(decoder, &se, &desc.RoomName)
				}
			case "UDN":
				// Only the first UDN: it is the root device; embedded
				// MediaRenderer/MediaServer devices repeat it suffixed.
				if desc.UDN == "" {
					decodeText(decoder, &se, &desc.UDN)
				}
			}
		case xml.EndElement:
			if se.Name.Local == "service" {
				inService = false
				if strings.Contains(serviceType, ":AVTransport:") && controlURL != "" && desc.AVTransportURL == "" {
					if ref, err := url.Parse(controlURL); err == nil {
						desc.AVTransportURL = base.ResolveReference(ref).String()
					}
				}
			}
		}
	}

	if desc.FriendlyName == "" && desc.UDN == "" {
		return nil, fmt.Errorf("description at %s has no usable fields", location)
	}
	return desc, nil
}

func decodeText(decoder *xml.Decoder, se *xml.StartElement, dst *string) {
	var value string
	if err := decoder.DecodeElement(&value, se); err == nil {
		*dst = strings.TrimSpace(value)
	}
}
