package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/BlkSword/Strange-room/internal/rooms"
	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/metrics"
)

type TokenAPI struct {
	Rooms   *rooms.Registry
	Codec   *auth.Codec
	Metrics *metrics.Metrics
}

type generateReq struct {
	RoomID string `json:"roomId"`
}
type generateResp struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}
type validateReq struct {
	Token string `json:"token"`
}
type validateResp struct {
	Valid  bool   `json:"valid"`
	RoomID string `json:"roomId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Generate issues a room access token. Expired rooms that have not been
// swept yet still get one; the relay refuses them at admission.
func (a *TokenAPI) Generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		notFound(w, r)
		return
	}
	var req *generateReq
	if err := decodeJSON(w, r, &req); err != nil || req == nil {
		badRequest(w)
		return
	}

	if _, ok := a.Rooms.Get(req.RoomID); !ok {
		writeJSONStatus(w, http.StatusNotFound, failure{Error: "Room not found"})
		return
	}

	tok, exp, err := a.Codec.Issue(req.RoomID)
	if err != nil {
		if errors.Is(err, auth.ErrEmptyRoom) {
			badRequest(w)
			return
		}
		writeJSONStatus(w, http.StatusInternalServerError, failure{Error: "Internal error"})
		return
	}
	if a.Metrics != nil {
		a.Metrics.TokensIssued.Inc()
	}
	writeJSON(w, generateResp{Success: true, Token: tok, ExpiresAt: exp.UnixMilli()})
}

// Validate checks a token and reports the room it grants
func (a *TokenAPI) Validate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		notFound(w, r)
		return
	}
	var req *validateReq
	if err := decodeJSON(w, r, &req); err != nil || req == nil {
		badRequest(w)
		return
	}

	roomID, err := a.Codec.Verify(req.Token)
	if err != nil {
		writeJSON(w, validateResp{Valid: false, Error: auth.Reason(err)})
		return
	}
	writeJSON(w, validateResp{Valid: true, RoomID: roomID})
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func badRequest(w http.ResponseWriter) {
	writeJSONStatus(w, http.StatusBadRequest, failure{Error: "Invalid request"})
}

// decodeJSON reads one JSON object from a size-capped body
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	return json.NewDecoder(r.Body).Decode(v)
}

// send JSON with proper headers
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("Not Found"))
}
