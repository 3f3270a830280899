package soap

import "fmt"

// ActionError is a UPnP error response, surfaced after retries are
// exhausted or immediately for non-transient statuses.
type ActionError struct {
	Action      string
	StatusCode  int
	FaultCode   string
	FaultString string
}

func (e *ActionError) Error() string {
	if e.FaultString != "" {
		return fmt.Sprintf("upnp action %s rejected: %s (code %s)", e.Action, e.FaultString, e.FaultCode)
	}
	return fmt.Sprintf("upnp action %s failed: http %d", e.Action, e.StatusCode)
}

// TimeoutError indicates the request timed out.
type TimeoutError struct {
	Action string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upnp action %s timed out", e.Action)
}

// UnreachableError indicates the device could not be reached.
type UnreachableError struct {
	Action string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upnp action %s unreachable: %v", e.Action, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }
