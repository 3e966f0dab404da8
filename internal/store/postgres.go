// Package store is the optional Postgres sink for security audit events.
// Room state never lives here; rooms stay in process memory.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BlkSword/Strange-room/internal/app"
	"github.com/BlkSword/Strange-room/internal/audit"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects to postgres and verifies connectivity
func NewPostgres(ctx context.Context, cfg app.Config, log *slog.Logger) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		return nil, fmt.Errorf("parse PG_URL: %w", err)
	}
	if cfg.PGMaxConn > 0 {
		pcfg.MaxConns = int32(cfg.PGMaxConn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

// InsertAudit appends one audit event
func (p *Postgres) InsertAudit(ctx context.Context, e audit.Event) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO audit_events (kind, relay, room_id, ip, reason, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.Kind, e.Relay, e.RoomID, e.IP, e.Reason, e.Detail, e.At)
	return err
}
