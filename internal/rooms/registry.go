// Package rooms keeps the in-memory table of rooms and expires them.
//
// Rooms live only in process memory. A room is created with a bounded
// TTL, is read by token issuance and relay admission, and is removed only
// by Sweep once it has expired. Lookups never check expiry themselves; an
// expired room counts as existing until the next sweep.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/clock"
)

const (
	// IDLength with the 36-symbol alphabet gives ~2.8e12 IDs.
	IDLength = 8

	// DefaultCreator labels rooms whose creator gave no name.
	DefaultCreator = "Unknown"
)

// ErrInvalidTTL is returned by Create for a zero or negative TTL.
var ErrInvalidTTL = errors.New("rooms: ttl must be positive")

// Room is the metadata kept per room. Creator is a display label only.
type Room struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
	Creator   string
}

// Expired reports whether now is past the room's expiry.
func (r Room) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]Room
	clock  clock.Clock
	maxTTL time.Duration
}

// NewRegistry creates an empty registry. TTLs above maxTTL are clamped;
// maxTTL <= 0 means unbounded.
func NewRegistry(clk clock.Clock, maxTTL time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{rooms: map[string]Room{}, clock: clk, maxTTL: maxTTL}
}

// Create stores a new room with a fresh unique ID.
func (r *Registry) Create(ttl time.Duration, creator string) (Room, error) {
	if ttl <= 0 {
		return Room{}, ErrInvalidTTL
	}
	if r.maxTTL > 0 && ttl > r.maxTTL {
		ttl = r.maxTTL
	}
	if creator == "" {
		creator = DefaultCreator
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		candidate, err := auth.RandomString(IDLength)
		if err != nil {
			return Room{}, fmt.Errorf("rooms: generate id: %w", err)
		}
		if _, taken := r.rooms[candidate]; !taken {
			id = candidate
			break
		}
	}

	now := r.clock.Now()
	room := Room{ID: id, CreatedAt: now, ExpiresAt: now.Add(ttl), Creator: creator}
	r.rooms[id] = room
	return room, nil
}

// Get looks up a room. It has no side effects and ignores expiry.
func (r *Registry) Get(id string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

// Adopt inserts a room created elsewhere, keeping any local entry with
// the same ID. It reports whether the room was added.
func (r *Registry) Adopt(room Room) bool {
	if room.ID == "" || !room.ExpiresAt.After(room.CreatedAt) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room.ID]; ok {
		return false
	}
	r.rooms[room.ID] = room
	return true
}

// Len returns the number of stored rooms, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Sweep removes every expired room and returns the removed IDs.
func (r *Registry) Sweep() []string {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, room := range r.rooms {
		if room.Expired(now) {
			delete(r.rooms, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done. onSweep, if set, receives
// the IDs removed by each sweep that removed something.
func (r *Registry) Run(ctx context.Context, every time.Duration, onSweep func([]string)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if removed := r.Sweep(); len(removed) > 0 && onSweep != nil {
				onSweep(removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
