// Package server wires the subsystem together for the standalone
// binary: database, registry, discovery, topology resolver, media
// server, and orchestrator, fronted by a small control API. Host
// applications embedding the library do this wiring themselves; this
// package is the worked example.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/strefethen/cast-bridge-go/internal/api"
	"github.com/strefethen/cast-bridge-go/internal/apperrors"
	"github.com/strefethen/cast-bridge-go/internal/cast"
	"github.com/strefethen/cast-bridge-go/internal/config"
	"github.com/strefethen/cast-bridge-go/internal/db"
	"github.com/strefethen/cast-bridge-go/internal/devices"
	"github.com/strefethen/cast-bridge-go/internal/discovery"
	"github.com/strefethen/cast-bridge-go/internal/mediaserver"
	"github.com/strefethen/cast-bridge-go/internal/sonos"
	"github.com/strefethen/cast-bridge-go/internal/sonos/soap"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// requestLoggerMiddleware logs all incoming HTTP requests.
func requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, wrapped.status, time.Since(start).Round(time.Millisecond))
	})
}

// Options controls server wiring.
type Options struct {
	// DisableDiscovery skips starting the network discoverers; used by
	// tests that drive the registry directly.
	DisableDiscovery bool
	Logger           *log.Logger
}

// NewHandler builds the control API handler, starts the subsystem, and
// returns a shutdown function.
func NewHandler(cfg config.Config, options Options) (http.Handler, func(context.Context) error, error) {
	logger := options.Logger
	if logger == nil {
		logger = log.Default()
	}

	logger.Printf("using database: %s", cfg.SQLiteDBPath)
	dbPair, err := db.Init(cfg.SQLiteDBPath)
	if err != nil {
		return nil, nil, err
	}

	registry := devices.NewRegistry()
	repo := devices.NewRepository(dbPair)
	soapClient := soap.NewClient(time.Duration(cfg.SonosTimeoutMs) * time.Millisecond)
	resolver := sonos.NewResolver(cfg, logger, soapClient, registry)
	disc := discovery.NewService(cfg, logger, registry, repo, resolver)
	mediaServer := mediaserver.NewServer(cfg.MediaServerPort, logger)
	orch := cast.NewOrchestrator(cfg, logger, registry, disc, resolver, mediaServer, soapClient)

	// Relay orchestrator events onto the websocket feed. The media
	// server hosts the feed, so make sure it is up even before the
	// first cast registers a resource.
	orch.Events().Subscribe(func(e cast.Event) {
		mediaServer.Events().Broadcast(eventFrom(e))
	})
	if err := mediaServer.Start(); err != nil {
		dbPair.Close()
		return nil, nil, err
	}

	if !options.DisableDiscovery {
		if err := orch.Discover(); err != nil {
			logger.Printf("discovery start failed: %v", err)
		}
	}

	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(requestLoggerMiddleware)
	router.Use(api.RequestIDMiddleware)
	router.Use(api.RecovererMiddleware)

	registerRoutes(router, orch)

	shutdown := func(ctx context.Context) error {
		orch.StopDiscovery()
		orch.Disconnect()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := mediaServer.Stop(ctx); err != nil {
			logger.Printf("media server shutdown: %v", err)
		}
		return dbPair.Close()
	}

	return router, shutdown, nil
}

func registerRoutes(router chi.Router, orch *cast.Orchestrator) {
	router.Method(http.MethodGet, "/v1/health", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"service":   "cast-bridge",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}))

	router.Method(http.MethodGet, "/v1/devices", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"devices": devicesFrom(orch.Devices()),
		})
	}))

	router.Method(http.MethodPost, "/v1/discovery/refresh", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		// Refresh blocks for the settle delay; don't hold the request.
		go orch.Refresh()
		return api.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "refreshing"})
	}))

	router.Method(http.MethodGet, "/v1/session", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodPost, "/v1/cast", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			DeviceKey string   `json:"device_key"`
			Track     trackDTO `json:"track"`
			StartSec  float64  `json:"start_sec"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if err := orch.Cast(r.Context(), body.DeviceKey, body.Track.model(), body.StartSec); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodPost, "/v1/cast/track", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			Track trackDTO `json:"track"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if err := orch.CastNewTrack(r.Context(), body.Track.model()); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodPost, "/v1/playback/pause", playbackAction(orch, orch.Pause))
	router.Method(http.MethodPost, "/v1/playback/resume", playbackAction(orch, orch.Resume))
	router.Method(http.MethodPost, "/v1/playback/stop", playbackAction(orch, orch.Stop))

	router.Method(http.MethodPost, "/v1/playback/seek", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			Seconds float64 `json:"seconds"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if err := orch.Seek(r.Context(), body.Seconds); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodPost, "/v1/playback/disconnect", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		orch.Disconnect()
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodGet, "/v1/volume", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		level, muted, err := orch.Volume(r.Context())
		if err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{"level": level, "muted": muted})
	}))

	router.Method(http.MethodPut, "/v1/volume", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			Level *float64 `json:"level"`
			Muted *bool    `json:"muted"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if body.Level != nil {
			if err := orch.SetVolume(r.Context(), *body.Level); err != nil {
				return err
			}
		}
		if body.Muted != nil {
			if err := orch.SetMute(r.Context(), *body.Muted); err != nil {
				return err
			}
		}
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}))

	router.Method(http.MethodPost, "/v1/groups/join", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			ZoneUDN        string `json:"zone_udn"`
			CoordinatorUDN string `json:"coordinator_udn"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if err := orch.JoinSonosGroup(r.Context(), body.ZoneUDN, body.CoordinatorUDN); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "joined"})
	}))

	router.Method(http.MethodPost, "/v1/groups/leave", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var body struct {
			ZoneUDN string `json:"zone_udn"`
		}
		if err := decodeBody(r, &body); err != nil {
			return err
		}
		if err := orch.LeaveSonosGroup(r.Context(), body.ZoneUDN); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{"status": "left"})
	}))
}

func playbackAction(orch *cast.Orchestrator, action func(context.Context) error) api.Handler {
	return func(w http.ResponseWriter, r *http.Request) error {
		if err := action(r.Context()); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusOK, sessionFrom(orch.Session(), orch.Position()))
	}
}

func decodeBody(r *http.Request, into any) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeInvalidRequest, "malformed request body", err)
	}
	return nil
}
