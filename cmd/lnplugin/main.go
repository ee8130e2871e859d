package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/account"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/api"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/config"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/lightning"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/plugin"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/settler"
	"github.com/interledgerjs/ilp-plugin-lnd-asym-server/internal/store"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Account registry ──────────────────────────────────────────────────────
	// An empty MAX_BALANCE means no receivable cap.
	var maxBalance *decimal.Decimal
	if cfg.ILP.MaxBalance != "" {
		d, err := decimal.NewFromString(cfg.ILP.MaxBalance)
		if err != nil {
			log.Fatal("invalid MAX_BALANCE", zap.Error(err))
		}
		maxBalance = &d
	}
	registry := account.NewRegistry(store.NewRedisStore(rdb), maxBalance, log)

	// ── Lightning node ────────────────────────────────────────────────────────
	ln, err := lightning.NewClient(lightning.Config{
		Host:           cfg.Lnd.Host,
		TLSCertPath:    cfg.Lnd.TLSCertPath,
		MacaroonPath:   cfg.Lnd.MacaroonPath,
		Network:        cfg.Lnd.Network,
		ConnectTimeout: time.Duration(cfg.Lnd.ConnectTimeoutSec) * time.Second,
	}, log)
	if err != nil {
		log.Fatal("lightning client init failed", zap.Error(err))
	}
	defer ln.Close() //nolint:errcheck

	// ── Plugin role ───────────────────────────────────────────────────────────
	callTimeout := time.Duration(cfg.BTP.CallTimeoutSec) * time.Second

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	var (
		pl        plugin.Plugin
		scheduler *settler.Scheduler
	)
	switch cfg.Role {
	case config.RoleServer:
		srv := plugin.NewServer(plugin.ServerConfig{
			Secret:        cfg.Server.Secret,
			CallTimeout:   callTimeout,
			MaxPacketSize: cfg.ILP.MaxPacketSize,
		}, ln, registry, cfg.ILP.Address, log)
		srv.Register(r.Group("/"))

		threshold, err := decimal.NewFromString(cfg.Settle.Threshold)
		if err != nil {
			log.Fatal("invalid SETTLE_THRESHOLD", zap.Error(err))
		}
		interval := time.Duration(cfg.Settle.IntervalSec) * time.Second
		scheduler = settler.NewScheduler(srv, threshold, interval, log)
		pl = srv
	case config.RoleClient:
		pl = plugin.NewClient(plugin.ClientConfig{
			URL:           cfg.Client.BTPURL,
			Token:         cfg.Client.BTPToken,
			Username:      cfg.Client.BTPUsername,
			PeerName:      cfg.Client.PeerName,
			CallTimeout:   callTimeout,
			MaxPacketSize: cfg.ILP.MaxPacketSize,
		}, ln, registry, cfg.ILP.Address, log)
	default:
		log.Fatal("unknown role", zap.String("role", cfg.Role))
	}

	if err := pl.Connect(ctx); err != nil {
		log.Fatal("plugin connect failed", zap.Error(err))
	}
	if scheduler != nil {
		go scheduler.Run(ctx)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	api.NewHandler(ln, registry, log).Register(r.Group("/api/v1"))

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: r,
	}
	go func() {
		log.Info("HTTP server starting",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("role", cfg.Role))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := pl.Disconnect(shutdownCtx); err != nil {
		log.Error("plugin disconnect error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
