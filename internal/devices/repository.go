package devices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/strefethen/cast-bridge-go/internal/db"
)

// staleThreshold ages out devices not seen for a week; probing them on
// every discovery round would just burn timeouts.
const staleThreshold = 7 * 24 * time.Hour

// Repository persists last-seen renderers so discovery can probe them
// directly when SSDP is unreliable (some Sonos firmware drops
// M-SEARCH responses entirely).
type Repository struct {
	pair *db.DBPair
}

func NewRepository(pair *db.DBPair) *Repository {
	return &Repository{pair: pair}
}

// Upsert records a device sighting.
func (r *Repository) Upsert(ctx context.Context, d Device) error {
	_, err := r.pair.Writer().ExecContext(ctx, `
		INSERT INTO known_devices (device_key, device_type, name, host, port, description_url, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(device_key) DO UPDATE SET
			device_type = excluded.device_type,
			name = excluded.name,
			host = excluded.host,
			port = excluded.port,
			description_url = excluded.description_url,
			last_seen_at = excluded.last_seen_at`,
		d.Key, string(d.Type), d.Name, d.Host, d.Port, d.DescriptionURL)
	if err != nil {
		return fmt.Errorf("upsert known device: %w", err)
	}
	return nil
}

// KnownLocations returns description URLs of non-stale devices, for
// fallback probing. Chromecast entries carry no description URL and are
// skipped here; their endpoints come back via mDNS.
func (r *Repository) KnownLocations(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-staleThreshold).UTC().Format("2006-01-02 15:04:05")
	rows, err := r.pair.Reader().QueryContext(ctx, `
		SELECT description_url FROM known_devices
		WHERE description_url != '' AND last_seen_at >= ?
		ORDER BY last_seen_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query known devices: %w", err)
	}
	defer rows.Close()

	var locations []string
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

// PruneStale removes entries older than the staleness threshold.
func (r *Repository) PruneStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold).UTC().Format("2006-01-02 15:04:05")
	res, err := r.pair.Writer().ExecContext(ctx,
		`DELETE FROM known_devices WHERE last_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune known devices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return n, nil
}
