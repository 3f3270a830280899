package soap

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Retry policy: two additional attempts after the first, exponential
// backoff 0.5s / 1s / 2s, and only for status codes a device returns
// when momentarily busy. Everything else surfaces immediately.
const (
	retryMax     = 2
	retryWaitMin = 500 * time.Millisecond
	retryWaitMax = 2 * time.Second
)

// Client issues SOAP actions against renderer control URLs.
type Client struct {
	http    *retryablehttp.Client
	timeout time.Duration
}

// NewClient creates a SOAP client with per-call timeout.
func NewClient(timeout time.Duration) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = nil
	rc.CheckRetry = transientRetryPolicy
	rc.HTTPClient = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         (&net.Dialer{Timeout: timeout}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Client{http: rc, timeout: timeout}
}

// transientRetryPolicy retries network errors and 500/502/503/504.
// Any other status surfaces on the first attempt.
func transientRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Do sends one SOAP action and returns the raw response body.
func (c *Client) Do(ctx context.Context, controlURL string, service Service, action string, args map[string]string) ([]byte, error) {
	serviceType := serviceTypes[service]
	if serviceType == "" {
		return nil, fmt.Errorf("unknown soap service: %s", service)
	}
	if controlURL == "" {
		return nil, fmt.Errorf("no control url for %s#%s", service, action)
	}

	body := buildEnvelope(serviceType, action, args)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, controlURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", serviceType+"#"+action))

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Action: action}
		}
		return nil, &UnreachableError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		code, desc := parseFault(payload)
		return nil, &ActionError{Action: action, StatusCode: resp.StatusCode, FaultCode: code, FaultString: desc}
	}

	return payload, nil
}

// ControlURL resolves the control URL for a service on an endpoint,
// falling back to the well-known paths.
func (e Endpoint) ControlURL(service Service) string {
	base := fmt.Sprintf("http://%s:%d", e.Host, e.Port)
	switch service {
	case ServiceAVTransport:
		if e.AVTransportURL != "" {
			return e.AVTransportURL
		}
		return base + avTransportPath
	case ServiceRenderingControl:
		if e.RenderingControlURL != "" {
			return e.RenderingControlURL
		}
		return base + renderingControlPath
	case ServiceZoneGroupTopology:
		return base + zoneGroupTopologyPath
	}
	return ""
}

func buildEnvelope(serviceType, action string, args map[string]string) []byte {
	var buf strings.Builder
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString("<s:Body>")
	buf.WriteString("<u:")
	buf.WriteString(action)
	buf.WriteString(` xmlns:u="`)
	buf.WriteString(serviceType)
	buf.WriteString(`">`)

	for key, value := range args {
		buf.WriteString("<")
		buf.WriteString(key)
		buf.WriteString(">")
		buf.WriteString(escapeXML(value))
		buf.WriteString("</")
		buf.WriteString(key)
		buf.WriteString(">")
	}

	buf.WriteString("</u:")
	buf.WriteString(action)
	buf.WriteString(">")
	buf.WriteString("</s:Body>")
	buf.WriteString("</s:Envelope>")

	return []byte(buf.String())
}

func escapeXML(input string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(input)); err != nil {
		return input
	}
	return b.String()
}

// parseFault extracts the UPnP error code and description from a SOAP
// fault body, when present.
func parseFault(payload []byte) (string, string) {
	decoder := xml.NewDecoder(strings.NewReader(string(payload)))
	var code, desc, fallback string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if se, ok := tok.(xml.StartElement); ok {
			switch se.Name.Local {
			case "errorCode":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil {
					code = strings.TrimSpace(value)
				}
			case "errorDescription":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil && desc == "" {
					desc = strings.TrimSpace(value)
				}
			case "faultstring":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil && fallback == "" {
					fallback = strings.TrimSpace(value)
				}
			}
		}
	}

	if desc == "" {
		desc = fallback
	}
	return code, desc
}
