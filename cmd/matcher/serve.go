package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cozy/connections/internal/config"
	"github.com/cozy/connections/internal/gateway"
	"github.com/cozy/connections/internal/logger"
	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/messaging"
	"github.com/cozy/connections/internal/metrics"
	"github.com/cozy/connections/internal/questionnaire"
	"github.com/cozy/connections/internal/ratelimit"
	"github.com/cozy/connections/internal/store/dynamo"
	"github.com/cozy/connections/internal/store/memory"
	"github.com/cozy/connections/internal/store/postgres"
	"github.com/cozy/connections/internal/store/redisstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve match requests over NATS",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.Log.JSON, cfg.Log.Debug)
		if err != nil {
			return fmt.Errorf("creating a logger: %w", err)
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := serve(ctx, cfg, log); err != nil {
			log.Error("matcher stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// primaryStore holds questions, answers and profiles.
type primaryStore interface {
	questionnaire.Store
	matching.ProfileLookup
	matching.CandidateSource
}

// backends are the connections opened for one serve run.
type backends struct {
	db  *sql.DB
	rdb *redis.Client
}

func (b *backends) close() {
	if b.db != nil {
		b.db.Close()
	}
	if b.rdb != nil {
		b.rdb.Close()
	}
}

func connect(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cfg.UsesPostgres() {
		db, err := postgres.Open(pingCtx, cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		b.db = db
	}
	if cfg.UsesRedis() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			b.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		b.rdb = rdb
	}
	return b, nil
}

func newPrimaryStore(cfg *config.Config, b *backends) primaryStore {
	if cfg.Store.Backend == config.BackendMemory {
		return memory.NewStore()
	}
	return postgres.NewStore(b.db)
}

func newMatchRepository(ctx context.Context, cfg *config.Config, b *backends) (matching.Repository, error) {
	switch cfg.Matches.Backend {
	case config.BackendPostgres:
		return postgres.NewMatches(b.db), nil
	case config.BackendRedis:
		return redisstore.NewMatches(b.rdb), nil
	case config.BackendDynamo:
		client, err := dynamo.NewClient(ctx, cfg.Dynamo.Region, cfg.Dynamo.Endpoint)
		if err != nil {
			return nil, err
		}
		if err := dynamo.EnsureTable(ctx, client, cfg.Dynamo.Table); err != nil {
			return nil, err
		}
		return dynamo.NewMatches(client, cfg.Dynamo.Table), nil
	default:
		return memory.NewMatches(), nil
	}
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("starting the matcher",
		zap.String("version", version),
		zap.String("store", cfg.Store.Backend),
		zap.String("matches", cfg.Matches.Backend))

	b, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	primary := newPrimaryStore(cfg, b)
	matches, err := newMatchRepository(ctx, cfg, b)
	if err != nil {
		return err
	}

	var (
		answers     matching.AnswerStore = primary
		invalidator questionnaire.Invalidator
		limiter     gateway.Limiter
	)
	if b.rdb != nil && cfg.AnswerCacheTTL > 0 {
		cache := redisstore.NewAnswerCache(b.rdb, primary, cfg.AnswerCacheTTL, log)
		answers, invalidator = cache, cache
	}
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(b.rdb, log)
	}

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = cfg.NATS.Name
	nc, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer nc.Close()

	manager := matching.NewManager(matching.Deps{
		Answers:    answers,
		Matches:    matches,
		Profiles:   primary,
		Candidates: primary,
		Notifier:   gateway.NewPublisher(nc, log),
	}, cfg.Policy, log)
	questions := questionnaire.NewService(primary, invalidator, log)

	svc := gateway.NewService(manager, questions, gateway.Options{
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})
	if err := svc.Register(nc); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.Info("matcher running",
		zap.String("nats_url", cfg.NATS.URL),
		zap.String("metrics_addr", cfg.Metrics.Addr))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serverErr:
		return fmt.Errorf("metrics server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := nc.Flush(); err != nil {
		log.Warn("flush nats", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}
