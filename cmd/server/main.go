package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/agentvoice/internal/adapters/http"
	signaling "github.com/dkeye/agentvoice/internal/adapters/signal"
	"github.com/dkeye/agentvoice/internal/app"
	"github.com/dkeye/agentvoice/internal/app/orch"
	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/config"
	"github.com/dkeye/agentvoice/internal/pubsub"
	"github.com/dkeye/agentvoice/internal/ratelimit"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if err := auth.ValidateSecret(cfg.Secret); err != nil {
		log.Fatal().Err(err).Msg("refusing to start: set VOICE_SECRET to a strong random value")
	}
	policy, err := app.PolicyByName(cfg.Backpressure)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backpressure policy")
	}

	var (
		limitStore ratelimit.Store
		backend    pubsub.Backend
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		limitStore = ratelimit.NewRedisStore(rdb)
		backend = pubsub.NewRedisBackend(ctx, rdb)
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis for rate limits and fan-out")
	} else {
		mem := ratelimit.NewMemoryStore(time.Now)
		limitStore = mem
		backend = pubsub.NewMemoryHub().Backend()
		go pruneLoop(ctx, mem)
		log.Info().Msg("no redis configured, running single-instance")
	}

	bus := pubsub.New(backend)
	defer bus.Close()
	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms: app.NewRoomStore(
			app.WithDefaultCapacity(cfg.RoomDefaultCapacity),
			app.WithIdleGrace(cfg.RoomIdleGrace),
		),
		Policy: policy,
		Bus:    bus,
	}
	detach, err := bus.Attach(ctx, o.RemoteHandlers())
	if err != nil {
		log.Fatal().Err(err).Msg("subscribe fan-out channels")
	}
	defer detach()
	go bus.Run(ctx)
	go o.RunJanitor(ctx, cfg.SweepInterval)

	authn := auth.New(cfg.Secret)
	limiter := ratelimit.New(limitStore)
	opts := signaling.Options{
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		AuthTimeout: cfg.AuthTimeout,
		SendBuffer:  cfg.SendBuffer,
		AuthLimit:   cfg.RateLimits.Limit(ratelimit.ConnectionAuth),
		JoinLimit:   cfg.RateLimits.Limit(ratelimit.RoomJoin),
		RelayLimit:  cfg.RateLimits.Limit(ratelimit.Streaming),
	}

	r := router.SetupRouter(ctx, router.Deps{
		Cfg:     cfg,
		Orch:    o,
		Auth:    authn,
		Limiter: limiter,
		Signal:  signaling.NewSignalWSController(o, authn, limiter, opts),
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("instance", bus.InstanceID()).Msg("agent voice server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	o.Registry.CancelAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

func pruneLoop(ctx context.Context, s *ratelimit.MemoryStore) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Prune()
		}
	}
}
