package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/auction-engine/internal/api"
	"github.com/atmx/auction-engine/internal/auction"
	"github.com/atmx/auction-engine/internal/broadcast"
	"github.com/atmx/auction-engine/internal/config"
	"github.com/atmx/auction-engine/internal/directory"
	"github.com/atmx/auction-engine/internal/log"
	"github.com/atmx/auction-engine/internal/store"
	"github.com/atmx/auction-engine/internal/sweep"
	"github.com/atmx/auction-engine/internal/wallet"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, timers and sweeps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		migrate, _ := cmd.Flags().GetBool("migrate")
		devBalance, _ := cmd.Flags().GetInt64("dev-balance")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, migrate, devBalance)
	},
}

func serve(ctx context.Context, cfg config.Config, migrate bool, devBalance int64) error {
	logger := log.WithComponent("server")

	// --- Initialize store ---
	var (
		st      store.Store
		rdb     *redis.Client
		cleanup []func()
	)
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		logger.Info().Msg("connected to Redis")
	}

	if cfg.DatabaseURL != "" {
		if migrate {
			if err := store.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		logger.Info().Msg("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info().Dur("ttl", cfg.CacheTTL).Msg("Redis snapshot cache enabled")
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Collaborators ---
	var (
		w   wallet.Wallet
		dir directory.Directory
	)
	if rdb != nil {
		w = wallet.NewRedisWallet(rdb)
		dir = directory.NewRedis(rdb)
	} else {
		mw := wallet.NewMemoryWallet()
		mw.SetOpeningBalance(devBalance)
		w = mw
		dir = directory.NewStatic(nil)
		logger.Warn().Int64("opening_balance", devBalance).Msg("REDIS_URL not set, using in-memory wallet")
	}

	// --- Broadcast ---
	hub := broadcast.NewHub(log.WithComponent("hub"))
	var (
		pub   broadcast.Publisher = hub
		relay *broadcast.Relay
	)
	if rdb != nil {
		pub = broadcast.NewRedisPublisher(rdb)
		relay = broadcast.NewRelay(rdb, hub, log.WithComponent("relay"))
	}

	// --- Engine ---
	rate, err := cfg.Rate()
	if err != nil {
		return err
	}
	engine := auction.New(st, w, pub, auction.Config{
		MinIncrement:       cfg.MinIncrement,
		IncrementRate:      rate,
		ExtensionWindow:    cfg.ExtensionWindow,
		ExtensionIncrement: cfg.ExtensionIncrement,
		LockTimeout:        cfg.LockTimeout,
	},
		auction.WithDirectory(dir),
		auction.WithLogger(log.WithComponent("engine")),
	)
	defer engine.Stop()

	if err := engine.Restore(ctx); err != nil {
		return err
	}

	sweeper := sweep.New(st, engine, sweep.Config{
		Interval:       cfg.SweepInterval,
		RefundInterval: cfg.RefundSweepInterval,
		RefundBatch:    cfg.RefundBatch,
	}, log.WithComponent("sweeper"))

	// --- HTTP ---
	router := api.NewRouter(api.NewService(engine, hub, log.WithComponent("api")))
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("auction-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down auction-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("auction-engine stopped")
	return err
}
