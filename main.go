package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"prism-sync/api"
	"prism-sync/classify"
	"prism-sync/config"
	"prism-sync/controller"
	"prism-sync/coordinator"
	"prism-sync/delivery"
	"prism-sync/domain"
	"prism-sync/remote"
	"prism-sync/scheduler"
	"prism-sync/storage"
	"prism-sync/syncer"
)

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	if cfg.LogFile != "" {
		logger.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}))
	}
	return logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)
	logger.WithField("instance_id", cfg.InstanceID).Info("prism sync starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatalf("local store: %v", err)
	}
	defer store.Close()

	remoteStore, err := remote.New(cfg.StorageConnString, cfg.RecordsTable)
	if err != nil {
		logger.Fatalf("remote store: %v", err)
	}
	if err := remoteStore.EnsureTable(ctx); err != nil {
		logger.WithError(err).Warn("remote table not verified, continuing offline")
	}

	var channel scheduler.Channel = delivery.LogChannel{Logger: logger}
	if cfg.ReminderQueue != "" {
		qc, err := delivery.NewQueueChannel(cfg.StorageConnString, cfg.ReminderQueue, logger)
		if err != nil {
			logger.Fatalf("reminder queue: %v", err)
		}
		if err := qc.EnsureQueue(ctx); err != nil {
			logger.WithError(err).Warn("reminder queue not verified")
		}
		channel = qc
	}

	schedOpts := scheduler.Options{Logger: logger}
	engineOpts := syncer.Options{
		Logger:         logger,
		MaxAttempts:    cfg.SyncMaxAttempts,
		Jitter:         cfg.SyncJitter,
		TombstoneGrace: cfg.TombstoneGrace,
	}
	ctrlOpts := controller.Options{Logger: logger, TickInterval: cfg.SyncInterval}

	var (
		coord       *coordinator.Coordinator
		broadcaster *coordinator.Broadcaster
	)
	if cfg.RedisConnString != "" {
		redisOpts, err := config.RedisOptions(cfg.RedisConnString)
		if err != nil {
			logger.Fatalf("redis: %v", err)
		}
		rc := redis.NewClient(redisOpts)
		defer rc.Close()
		coord = coordinator.New(rc, coordinator.Options{
			Scope:      cfg.Scope,
			InstanceID: cfg.InstanceID,
			Interval:   cfg.HeartbeatInterval,
			TTL:        cfg.HeartbeatTTL,
			Logger:     logger,
		})
		broadcaster = coordinator.NewBroadcaster(rc, cfg.Scope, cfg.InstanceID, logger)
		schedOpts.Leadership = coord
		schedOpts.Deduper = coordinator.NewDeduper(rc, cfg.Scope)
		engineOpts.Publisher = broadcaster
		ctrlOpts.Leadership = coord
	} else {
		logger.Info("no redis configured, running as the only instance")
	}

	sched := scheduler.New(store, channel, schedOpts)
	defer sched.Close()
	engineOpts.Observer = sched
	engine := syncer.New(store, remoteStore, engineOpts)

	if cfg.AnthropicAPIKey != "" {
		ctrlOpts.Classifier = classify.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger)
	}
	ctrl := controller.New(store, engine, sched, ctrlOpts)

	var wg sync.WaitGroup
	if coord != nil {
		coord.OnLeadershipChange(sched.LeadershipChanged)
		wg.Add(1)
		go func() {
			defer wg.Done()
			coord.Run(ctx)
		}()
		go broadcaster.Listen(ctx, func(ctx context.Context, kind domain.EntityType, id string) {
			if err := engine.NotifyExternal(ctx, kind, id); err != nil {
				logger.WithError(err).WithFields(log.Fields{"entity_type": kind, "entity_id": id}).Warn("apply external change failed")
			}
		})
	}
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Fatalf("controller: %v", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-ctrl.Events():
				logger.WithError(ev).Warn("sync notice")
			}
		}
	}()

	var auth *api.Auth
	if cfg.LocalAuthSecret != "" {
		auth = api.NewLocalAuth([]byte(cfg.LocalAuthSecret))
	} else {
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
		if err != nil {
			logger.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		auth = api.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/", cfg.JWKSCacheTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, ctrl, auth, logger)

	go func() {
		if err := e.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	wg.Wait()
}
