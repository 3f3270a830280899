package db

const schemaSQL = `
-- Renderers seen on previous runs. Used as fallback probe targets when
-- a device's firmware responds unreliably to SSDP.

CREATE TABLE IF NOT EXISTS known_devices (
  device_key TEXT PRIMARY KEY,
  device_type TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  host TEXT NOT NULL,
  port INTEGER NOT NULL,
  description_url TEXT NOT NULL DEFAULT '',
  last_seen_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_known_devices_last_seen ON known_devices(last_seen_at);
`
