// Package media holds the track descriptor shared by the cast
// orchestrator, the renderer backends, and the local media server.
package media

// Track describes one playable item. URL is the only required field;
// everything else feeds renderer-side display metadata.
type Track struct {
	URL         string
	Title       string
	Artist      string
	Album       string
	ArtworkURL  string
	ContentType string
	DurationSec int
}
