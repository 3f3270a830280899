package soap

// TransportInfo mirrors GetTransportInfo (subset).
type TransportInfo struct {
	CurrentTransportState  string
	CurrentTransportStatus string
	CurrentSpeed           string
}

// PositionInfo mirrors GetPositionInfo (subset).
type PositionInfo struct {
	Track         int
	TrackDuration string
	TrackURI      string
	RelTime       string
}
