package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	app "github.com/BlkSword/Strange-room/internal/app"
	"github.com/BlkSword/Strange-room/internal/audit"
	httpx "github.com/BlkSword/Strange-room/internal/http"
	"github.com/BlkSword/Strange-room/internal/rooms"
	store "github.com/BlkSword/Strange-room/internal/store"
	ws "github.com/BlkSword/Strange-room/internal/ws"
	"github.com/BlkSword/Strange-room/pkg/auth"
	"github.com/BlkSword/Strange-room/pkg/clock"
	"github.com/BlkSword/Strange-room/pkg/metrics"
	"github.com/BlkSword/Strange-room/pkg/ratelimit"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading the environment")
	addr := flag.String("addr", "", "listen address, overrides HTTP_ADDR and PORT")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(app.Name, app.Version)
		return
	}

	// Load local .env (dev only)
	_ = godotenv.Load(*envFile)

	cfg := app.LoadConfig()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	logger := app.NewLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error("config.invalid", "err", err)
		log.Fatal(err)
	}
	logger.Info("config.loaded", "cfg", cfg)
	if cfg.InsecureSecret() {
		logger.Warn("config.insecure_secret", "hint", "set TOKEN_SECRET; the built-in secret is public")
	}

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real()
	m := metrics.New()

	// Optional Postgres audit sink + migrations
	var sink audit.Sink
	if cfg.PGURL != "" {
		pg, err := store.NewPostgres(ctx, cfg, logger)
		if err != nil {
			logger.Error("postgres connect", "err", err)
			log.Fatal(err)
		}
		defer pg.Close()
		if err := store.RunMigrations(ctx, pg, logger); err != nil {
			logger.Error("migrations", "err", err)
			log.Fatal(err)
		}
		sink = pg
	}
	auditLog := audit.New(logger, sink)
	go auditLog.Run(ctx)

	// Optional Redis bus for cross-instance fanout
	var bus ws.Bus
	if cfg.RedisAddr != "" {
		rb, err := ws.NewRedisBus(ctx, cfg, logger)
		if err != nil {
			logger.Error("redis connect", "err", err)
			log.Fatal(err)
		}
		defer rb.Close()
		bus = rb
	}

	reg := rooms.NewRegistry(clk, cfg.RoomMaxTTL)
	m.WatchRooms(reg.Len)
	codec := auth.NewCodec(cfg.TokenSecret, cfg.TokenTTL, clk)

	limiter := ratelimit.New(cfg.RateLimitPerMinute, time.Minute, clk)
	limiter.OnReject = func(r *http.Request, key string) {
		m.RateLimited.Inc()
		auditLog.Record(audit.Event{Kind: audit.KindRateLimited, IP: key, Detail: r.URL.Path, At: clk.Now()})
	}
	go limiter.Run(ctx, time.Minute)

	// WebSocket hub
	hub := ws.NewHub(logger, reg, codec, ws.HubOptions{
		Clock:           clk,
		Metrics:         m,
		Audit:           auditLog,
		Bus:             bus,
		CheckSyncExpiry: cfg.YjsCheckExpiry,
		ReadLimit:       cfg.WSMaxMessageBytes,
	})
	go hub.Run(ctx)

	go reg.Run(ctx, cfg.SweepInterval, func(ids []string) {
		hub.Forget(ids...)
		logger.Info("rooms.swept", "count", len(ids), "remaining", reg.Len())
	})

	// HTTP + WS router
	router := httpx.NewRouter(cfg, logger, httpx.Deps{
		Rooms: reg, Codec: codec, Hub: hub, Limiter: limiter, Metrics: m, Audit: auditLog,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server
	go func() {
		logger.Info("server.listening", "addr", cfg.HTTPAddr, "instance", cfg.InstanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server.crash", "err", err)
			cancel()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("server.shutdown.start")

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer stop()
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ws.shutdown", "err", err)
	}
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("server.shutdown.complete")
	_ = os.Stdout.Sync()
}
