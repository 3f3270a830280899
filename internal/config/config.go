// Package config loads subsystem configuration from environment
// variables, with an optional YAML overlay file for deployments that
// prefer a config file over a long env list.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the casting subsystem configuration.
type Config struct {
	// MediaServerPort is the fixed port the embedded HTTP server binds
	// on all interfaces. Cast devices fetch local content from it.
	MediaServerPort int `yaml:"media_server_port"`

	// APIPort is the loopback control API served by cmd/cast-bridge.
	APIPort int `yaml:"api_port"`

	SQLiteDBPath string `yaml:"sqlite_db_path"`

	// SSDP search schedule and rescan cadence.
	SSDPRescanIntervalSec int      `yaml:"ssdp_rescan_interval_sec"`
	StaticDeviceIPs       []string `yaml:"static_device_ips"`

	// MDNSEnabled toggles the Bonjour supplement to SSDP.
	MDNSEnabled bool `yaml:"mdns_enabled"`

	// Sonos SOAP call timeout and topology settle delay bounds.
	SonosTimeoutMs      int `yaml:"sonos_timeout_ms"`
	TopologySettleMinMs int `yaml:"topology_settle_min_ms"`
	TopologySettleMaxMs int `yaml:"topology_settle_max_ms"`

	// Chromecast connect and app-launch timeouts.
	ChromecastConnectTimeoutMs int `yaml:"chromecast_connect_timeout_ms"`
	ChromecastLaunchTimeoutMs  int `yaml:"chromecast_launch_timeout_ms"`

	// DescriptionFetchTimeoutMs bounds device description HTTP GETs.
	DescriptionFetchTimeoutMs int `yaml:"description_fetch_timeout_ms"`

	// RefreshSettleMs is the pause between stopping and restarting
	// discovery on a refresh.
	RefreshSettleMs int `yaml:"refresh_settle_ms"`
}

// Load reads configuration from environment variables with defaults,
// then applies the YAML overlay named by CAST_BRIDGE_CONFIG if set.
func Load() (Config, error) {
	cfg := Config{
		MediaServerPort:            envInt("MEDIA_SERVER_PORT", 8555),
		APIPort:                    envInt("API_PORT", 8556),
		SQLiteDBPath:               envString("SQLITE_DB_PATH", "./data/cast-bridge.db"),
		SSDPRescanIntervalSec:      envInt("SSDP_RESCAN_INTERVAL_SEC", 60),
		StaticDeviceIPs:            envCSV("STATIC_DEVICE_IPS"),
		MDNSEnabled:                envBool("MDNS_ENABLED", true),
		SonosTimeoutMs:             envInt("SONOS_TIMEOUT_MS", 5000),
		TopologySettleMinMs:        envInt("TOPOLOGY_SETTLE_MIN_MS", 3000),
		TopologySettleMaxMs:        envInt("TOPOLOGY_SETTLE_MAX_MS", 6000),
		ChromecastConnectTimeoutMs: envInt("CHROMECAST_CONNECT_TIMEOUT_MS", 5000),
		ChromecastLaunchTimeoutMs:  envInt("CHROMECAST_LAUNCH_TIMEOUT_MS", 10000),
		DescriptionFetchTimeoutMs:  envInt("DESCRIPTION_FETCH_TIMEOUT_MS", 5000),
		RefreshSettleMs:            envInt("REFRESH_SETTLE_MS", 2000),
	}

	if path := os.Getenv("CAST_BRIDGE_CONFIG"); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.MediaServerPort <= 0 || cfg.MediaServerPort > 65535 {
		return Config{}, fmt.Errorf("invalid media server port %d", cfg.MediaServerPort)
	}
	if cfg.TopologySettleMaxMs < cfg.TopologySettleMinMs {
		cfg.TopologySettleMaxMs = cfg.TopologySettleMinMs
	}

	return cfg, nil
}

func applyOverlay(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config overlay: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config overlay %s: %w", path, err)
	}
	return nil
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return strings.EqualFold(val, "true")
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return []string{}
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
