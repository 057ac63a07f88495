package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"golang.org/x/sync/errgroup"

	"helpdispatch/arbiter"
	"helpdispatch/auth"
	"helpdispatch/broadcast"
	"helpdispatch/cache"
	"helpdispatch/config"
	"helpdispatch/db"
	"helpdispatch/geo"
	"helpdispatch/helper"
	"helpdispatch/job"
	"helpdispatch/notify"
	"helpdispatch/request"
	"helpdispatch/retry"
	"helpdispatch/sweeper"
)

const shutdownTimeout = 30 * time.Second

func initLog(level string) {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(logLevel)
	}

	log.SetOutput(os.Stdout)

	log.SetFormatter(&prefixed.TextFormatter{
		ForceFormatting: true,
		FullTimestamp:   true,
	})
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "c", "", "[optional] path of configuration file")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal(err)
	}
	initLog(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatal("dispatch api stopped")
	}
	log.Info("dispatch api stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	store, sweepCache, closeCache := newCacheStore(cfg.Redis)
	defer closeCache()

	policy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}

	hub := notify.NewHub(notify.DefaultSubscriberBuffer)
	fanout := notify.NewFanout(pool, hub)

	scheduler := broadcast.NewScheduler(pool, geo.NewPGIndex(pool, cfg.Dispatch.LocationFreshness), fanout, broadcast.Config{
		RadiusKm:      cfg.Dispatch.RadiusKm,
		MaxCandidates: cfg.Dispatch.MaxCandidates,
		TTL:           cfg.Dispatch.BroadcastTTL,
	}).WithRetryPolicy(policy)

	claims := arbiter.NewPGStore(pool, fanout)
	acceptance := arbiter.NewService(claims, fanout).WithRetryPolicy(policy)

	guard := job.NewAttemptGuard(store, cfg.OTP.MaxFailures, cfg.OTP.FailureWindow)
	machine := job.NewMachine(pool, fanout, guard).
		WithRebroadcaster(scheduler).
		WithRetryPolicy(policy)

	sweep := sweeper.New(pool, machine, claims, fanout, sweeper.Config{
		Interval:       cfg.Sweeper.Interval,
		SiblingGrace:   cfg.Sweeper.SiblingGrace,
		RepublishAfter: cfg.Sweeper.RepublishAfter,
	})
	if sweepCache != nil {
		sweep = sweep.WithCacheSweep(sweepCache)
	}

	var pusher notify.Pusher = notify.LogPusher{}
	if cfg.Outbox.WebhookURL != "" {
		pusher = notify.NewWebhookPusher(cfg.Outbox.WebhookURL, 10*time.Second)
	}
	relay := notify.NewRelay(pool, pusher).WithMaxAttempts(cfg.Outbox.MaxAttempts)

	server := NewServer(Deps{
		Requests:  request.NewService(pool).WithRetryPolicy(policy),
		Scheduler: scheduler,
		Arbiter:   acceptance,
		Jobs:      machine,
		Helpers:   helper.NewService(pool, store, cfg.Cache.HelperTTL),
		Offers:    fanout,
		Tokens:    auth.NewService(cfg.JWT.Secret),
		Hub:       hub,
		DB:        pool,
	}, cfg.HTTP.AllowOrigins)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTP.Addr).Info("dispatch api listening")
		if err := server.Run(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Server is preparing to shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		return relay.Run(gctx, cfg.Outbox.PollInterval)
	})

	return g.Wait()
}

// newCacheStore returns Redis when an address is configured and the
// in-process cache otherwise. The sweep function is nil for Redis, which
// expires keys itself.
func newCacheStore(cfg config.RedisConfig) (cache.Store, func() int, func()) {
	if cfg.Addr == "" {
		mem := cache.NewMemory()
		return mem, mem.Sweep, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	closeFn := func() {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("close redis client")
		}
	}
	return cache.NewRedis(client, "dispatch:"), nil, closeFn
}
