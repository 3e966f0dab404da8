package httpx

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/BlkSword/Strange-room/internal/audit"
	"github.com/BlkSword/Strange-room/internal/rooms"
	"github.com/BlkSword/Strange-room/pkg/metrics"
	"github.com/BlkSword/Strange-room/pkg/ratelimit"
)

// Announcer shares newly created rooms with other instances.
type Announcer interface {
	AnnounceRoom(ctx context.Context, room rooms.Room)
}

type RoomsAPI struct {
	Rooms     *rooms.Registry
	MaxTTL    time.Duration
	Announcer Announcer        // optional
	Metrics   *metrics.Metrics // optional
	Audit     *audit.Log       // optional
	Log       *slog.Logger
}

type createRoomReq struct {
	TTL         *float64 `json:"ttl"` // hours
	CreatorName string   `json:"creatorName"`
}

type createRoomResp struct {
	Success   bool   `json:"success"`
	RoomID    string `json:"roomId"`
	ExpiresAt int64  `json:"expiresAt"`
}

type roomDTO struct {
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Creator   string `json:"creator"`
}

type checkRoomResp struct {
	Exists bool     `json:"exists"`
	Room   *roomDTO `json:"room"`
}

// Create registers a new room with a TTL given in hours
func (a *RoomsAPI) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		notFound(w, r)
		return
	}
	var req *createRoomReq
	if err := decodeJSON(w, r, &req); err != nil || req == nil || req.TTL == nil {
		badRequest(w)
		return
	}

	rm, err := a.Rooms.Create(a.ttl(*req.TTL), req.CreatorName)
	if err != nil {
		if errors.Is(err, rooms.ErrInvalidTTL) {
			badRequest(w)
			return
		}
		a.Log.Error("room.create", "err", err)
		writeJSONStatus(w, http.StatusInternalServerError, failure{Error: "Internal error"})
		return
	}

	a.Log.Info("room.created", "room", rm.ID, "expires_at", rm.ExpiresAt, "creator", rm.Creator)
	if a.Metrics != nil {
		a.Metrics.RoomsCreated.Inc()
	}
	if a.Audit != nil {
		a.Audit.Record(audit.Event{
			Kind: audit.KindRoomCreated, RoomID: rm.ID, IP: ratelimit.ClientIP(r),
			Detail: rm.Creator, At: rm.CreatedAt,
		})
	}
	if a.Announcer != nil {
		a.Announcer.AnnounceRoom(r.Context(), rm)
	}

	writeJSON(w, createRoomResp{Success: true, RoomID: rm.ID, ExpiresAt: rm.ExpiresAt.UnixMilli()})
}

// ttl converts hours to a duration, saturating at the configured maximum.
// Non-positive and NaN values map to zero so the registry rejects them.
func (a *RoomsAPI) ttl(hours float64) time.Duration {
	if math.IsNaN(hours) || hours <= 0 {
		return 0
	}
	if a.MaxTTL > 0 && hours >= a.MaxTTL.Hours() {
		return a.MaxTTL
	}
	if hours*float64(time.Hour) >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(hours * float64(time.Hour))
}

// Check reports whether a room exists. It never fails.
func (a *RoomsAPI) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		notFound(w, r)
		return
	}
	rm, ok := a.Rooms.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, checkRoomResp{})
		return
	}
	writeJSON(w, checkRoomResp{Exists: true, Room: &roomDTO{
		CreatedAt: rm.CreatedAt.UnixMilli(),
		ExpiresAt: rm.ExpiresAt.UnixMilli(),
		Creator:   rm.Creator,
	}})
}
