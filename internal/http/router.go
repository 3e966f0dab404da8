package httpx

import (
	"log/slog"
	"net/http"

	"github.com/BlkSword/Strange-room/internal/app"
	"github.com/BlkSword/Strange-room/internal/audit"
	"github.com/BlkSword/Strange-room/internal/rooms"
	"github.com/BlkSword/Strange-room/internal/ws"
	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/metrics"
	"github.com/BlkSword/Strange-room/pkg/ratelimit"
)

// Deps are the long-lived components the router serves.
type Deps struct {
	Rooms   *rooms.Registry
	Codec   *auth.Codec
	Hub     *ws.Hub
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics // optional
	Audit   *audit.Log       // optional
}

type healthResp struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Status      string `json:"status"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

// NewRouter wires up all HTTP routes, middleware, and handlers.
// Websocket upgrades skip the API middleware and go straight to the hub.
func NewRouter(cfg app.Config, logger *slog.Logger, d Deps) http.Handler {
	mw := NewMiddleware(logger, d.Limiter)
	roomsAPI := &RoomsAPI{
		Rooms: d.Rooms, MaxTTL: cfg.RoomMaxTTL, Announcer: d.Hub,
		Metrics: d.Metrics, Audit: d.Audit, Log: logger,
	}
	tokenAPI := &TokenAPI{Rooms: d.Rooms, Codec: d.Codec, Metrics: d.Metrics}

	health := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, healthResp{
			Name:        app.Name,
			Version:     app.Version,
			Status:      "running",
			Rooms:       d.Rooms.Len(),
			Connections: d.Hub.Connections(),
		})
	}

	mux := http.NewServeMux()

	// Rooms
	mux.HandleFunc("/api/room/create", roomsAPI.Create)
	mux.HandleFunc("/api/room/check/{id}", roomsAPI.Check)

	// Tokens
	mux.HandleFunc("/api/token/generate", tokenAPI.Generate)
	mux.HandleFunc("/api/token/validate", tokenAPI.Validate)

	// Health / metrics
	mux.HandleFunc("/health", health)
	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			health(w, r)
			return
		}
		notFound(w, r)
	})

	api := mw.Wrap(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ws.IsUpgrade(r) {
			d.Hub.ServeUpgrade(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}
