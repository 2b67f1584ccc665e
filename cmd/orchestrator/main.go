package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sovi-systems/devicecore/internal/api"
	"github.com/sovi-systems/devicecore/internal/auth/captcha"
	"github.com/sovi-systems/devicecore/internal/auth/emailverify"
	"github.com/sovi-systems/devicecore/internal/auth/smsverify"
	"github.com/sovi-systems/devicecore/internal/config"
	"github.com/sovi-systems/devicecore/internal/creator"
	"github.com/sovi-systems/devicecore/internal/crypto"
	"github.com/sovi-systems/devicecore/internal/events"
	"github.com/sovi-systems/devicecore/internal/lock"
	"github.com/sovi-systems/devicecore/internal/reconciler"
	"github.com/sovi-systems/devicecore/internal/scheduler"
	"github.com/sovi-systems/devicecore/internal/session"
	"github.com/sovi-systems/devicecore/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("configuration", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}

	codec, err := crypto.New(cfg.MasterKey)
	if err != nil {
		logger.Error("credential codec", "err", err)
		os.Exit(1)
	}

	// The creation lock only needs Redis when several orchestrators share
	// the fleet; a single daemon gets the in-process fallback.
	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("redis ping", "addr", cfg.RedisAddr, "err", err)
			os.Exit(1)
		}
		locker = lock.New(rdb)
	} else {
		logger.Info("main: REDIS_ADDR not set, using in-memory creation lock")
		locker = lock.NewMemory()
	}

	emitter := events.NewEmitter(st, logger)

	runner := session.NewRunner(st, codec, emitter, logger, session.Budgets{
		Overhead: cfg.OverheadBudget,
		Warming:  cfg.WarmingDuration,
		Install:  2 * time.Minute,
	})

	var (
		solver *captcha.Solver
		sms    *smsverify.Client
		mail   *emailverify.Verifier
	)
	if cfg.CreationEnabled() {
		solver = captcha.NewSolver(cfg.CapsolverAPIKey, emitter, logger)
		sms = smsverify.NewClient(cfg.TextVerifiedAPIKey, logger)
		mail = emailverify.NewVerifier(emailverify.NewInbox(emailverify.Config{
			Host:     cfg.IMAPHost,
			Port:     cfg.IMAPPort,
			Username: cfg.IMAPUsername,
			Password: cfg.IMAPPassword,
		}), logger)
		logger.Info("main: account creation enabled", "catch_all", cfg.CreationEmail)
	} else {
		logger.Warn("main: account creation disabled, missing solver, SMS or IMAP credentials")
	}
	cr := creator.New(st, codec, locker, emitter, solver, sms, mail, cfg.CreationEmail, logger)

	sched := scheduler.New(st, runner, cr, emitter, logger, cfg.AutomationHost, scheduler.Delays{
		Cooldown:      cfg.CooldownDelay,
		Idle:          cfg.IdleDelay,
		ErrorBackoff:  cfg.ErrorBackoff,
		SessionBudget: cfg.SessionBudget,
	})

	rec := reconciler.New(st, emitter, logger, cfg.HeartbeatStaleAfter)
	go rec.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.New(st, sched, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("main: orchestrator listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("main: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if sched.Running() {
		if err := sched.Stop(shutdownCtx); err != nil {
			logger.Error("scheduler stop", "err", err)
		}
	}
}
