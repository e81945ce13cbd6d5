// meridian is the management API server: it owns the API lifecycle, the
// event log and the membership ledger, and keeps the search index fresh.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/commands"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/events"
	"github.com/meridianhq/meridian/pkg/lifecycle"
	"github.com/meridianhq/meridian/pkg/membership"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/rest"
	"github.com/meridianhq/meridian/pkg/search"
	"github.com/meridianhq/meridian/pkg/storage"
	"github.com/meridianhq/meridian/pkg/storage/cache"
	"github.com/meridianhq/meridian/pkg/storage/postgres"
	"github.com/meridianhq/meridian/pkg/users"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meridian: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)
	logger.WithField("version", version).Info("starting meridian")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Insecure:       true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.ShutdownOTel(shutdownCtx, providers, logger)
	}()

	metrics := observability.NewMetrics(nil)

	var redisClient *redis.Client
	if cfg.Storage.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:       cfg.Storage.RedisURL,
			Password:   cfg.Storage.RedisPassword,
			DB:         cfg.Storage.RedisDB,
			PoolSize:   cfg.Storage.RedisPoolSize,
			MaxRetries: cfg.Storage.RedisMaxRetries,
		})
		defer redisClient.Close()
	}

	repos, closeStore, err := buildRepositories(cfg, redisClient, logger, metrics)
	if err != nil {
		return err
	}
	defer closeStore()

	userService := users.NewService(repos.Users, nil, logger)
	memberService := membership.NewService(repos.Memberships, userService, nil, logger)
	eventService := events.NewService(repos.Events, logger)

	var bus commands.Bus
	if cfg.Search.RemoteDispatch && redisClient != nil {
		bus = commands.NewRedisBus(redisClient, logger)
	}

	var dispatcher *search.Dispatcher
	var indexer *search.MemoryIndexer
	if cfg.Search.Enabled {
		indexer = search.NewMemoryIndexer()
		dispatcher = search.NewDispatcher(indexer, bus, logger, metrics,
			search.ApiTransformer{}, search.PageTransformer{}, search.UserTransformer{})
	}

	var searchIndexer lifecycle.SearchIndexer
	if dispatcher != nil {
		searchIndexer = dispatcher
	}
	apiService := lifecycle.NewService(repos, eventService, memberService, searchIndexer,
		logger, metrics, cfg.Observability.DefaultIconPath)

	if dispatcher != nil {
		dispatcher.RegisterLoader(search.KindApi, func(ctx context.Context, id string) (interface{}, error) {
			details, err := apiService.FindByID(ctx, id)
			if err != nil {
				if api.IsNotFound(err) {
					return nil, nil
				}
				return nil, err
			}
			return details, nil
		})
		dispatcher.RegisterLoader(search.KindUser, func(ctx context.Context, id string) (interface{}, error) {
			return repos.Users.FindByName(ctx, id)
		})
		dispatcher.RegisterLoader(search.KindPage, func(ctx context.Context, id string) (interface{}, error) {
			return repos.Pages.FindByID(ctx, id)
		})
	}

	var searcher rest.Searcher
	if indexer != nil {
		searcher = indexer
	}
	server := rest.NewServer(cfg.Server, apiService, memberService, searcher, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	if dispatcher != nil && bus != nil {
		g.Go(func() error {
			err := bus.Listen(gctx, commands.RecipientManagementAPIs, func(cmdCtx context.Context, cmd *commands.Command) {
				if err := dispatcher.Process(cmdCtx, cmd); err != nil {
					logger.WithError(err).WithField("command", cmd.ID).Warn("failed to process index command")
				}
			})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("meridian stopped")
	return nil
}

func buildRepositories(cfg *config.Config, redisClient *redis.Client, logger *observability.Logger, metrics *observability.Metrics) (storage.Repositories, func(), error) {
	switch cfg.Storage.Type {
	case "postgres":
		store, err := postgres.New(cfg.Storage)
		if err != nil {
			return storage.Repositories{}, nil, err
		}
		repos := store.WithMetrics(metrics).Repositories()
		if cfg.Storage.CacheEnabled {
			cached, err := cache.New(repos.Apis, cfg.Storage, redisClient, logger, metrics)
			if err != nil {
				store.Close()
				return storage.Repositories{}, nil, err
			}
			repos.Apis = cached
		}
		return repos, func() { store.Close() }, nil
	default:
		store := storage.NewMemoryStore()
		return store.Repositories(), func() {}, nil
	}
}
