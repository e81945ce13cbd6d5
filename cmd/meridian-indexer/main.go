// meridian-indexer is the dedicated index worker: it consumes DATA_TO_INDEX
// commands from the bus and periodically rebuilds the whole index from the
// stores, catching anything a missed command left stale.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/commands"
	"github.com/meridianhq/meridian/pkg/config"
	"github.com/meridianhq/meridian/pkg/events"
	"github.com/meridianhq/meridian/pkg/lifecycle"
	"github.com/meridianhq/meridian/pkg/membership"
	"github.com/meridianhq/meridian/pkg/observability"
	"github.com/meridianhq/meridian/pkg/search"
	"github.com/meridianhq/meridian/pkg/storage"
	"github.com/meridianhq/meridian/pkg/storage/postgres"
	"github.com/meridianhq/meridian/pkg/users"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	log.SetLevel(parseLevel(cfg.Observability.LogLevel))

	if cfg.Storage.RedisURL == "" {
		log.Fatal("MERIDIAN_REDIS_URL is required: the indexer consumes commands from the bus")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Internal packages log through the shared structured logger; logrus
	// fronts the worker's own lifecycle messages.
	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout)
	metrics := observability.NewMetrics(nil)

	redisClient := redis.NewClient(&redis.Options{
		Addr:       cfg.Storage.RedisURL,
		Password:   cfg.Storage.RedisPassword,
		DB:         cfg.Storage.RedisDB,
		PoolSize:   cfg.Storage.RedisPoolSize,
		MaxRetries: cfg.Storage.RedisMaxRetries,
	})
	defer redisClient.Close()

	repos, closeStore, err := buildRepositories(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	defer closeStore()

	userService := users.NewService(repos.Users, nil, logger)
	memberService := membership.NewService(repos.Memberships, userService, nil, logger)
	eventService := events.NewService(repos.Events, logger)

	indexer := search.NewMemoryIndexer()
	dispatcher := search.NewDispatcher(indexer, nil, logger, metrics,
		search.ApiTransformer{}, search.PageTransformer{}, search.UserTransformer{})

	apiService := lifecycle.NewService(repos, eventService, memberService, nil,
		logger, metrics, cfg.Observability.DefaultIconPath)

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

	reindex := func() {
		if err := fullReindex(ctx, apiService, repos, dispatcher); err != nil {
			log.WithError(err).Error("full reindex failed")
			return
		}
		log.WithField("documents", indexer.Len()).Info("full reindex complete")
	}

	var scheduler *cron.Cron
	if cfg.Search.ReindexSchedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(cfg.Search.ReindexSchedule, reindex); err != nil {
			log.WithError(err).Fatal("invalid reindex schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	// Seed the index before consuming incremental updates.
	reindex()

	bus := commands.NewRedisBus(redisClient, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening for index commands")
		err := bus.Listen(gctx, commands.RecipientManagementAPIs, func(cmdCtx context.Context, cmd *commands.Command) {
			if err := dispatcher.Process(cmdCtx, cmd); err != nil {
				log.WithError(err).WithField("command", cmd.ID).Warn("failed to process index command")
			}
		})
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("indexer failed")
	}
	log.Info("indexer stopped")
}

func fullReindex(ctx context.Context, apiService *lifecycle.Service, repos storage.Repositories, dispatcher *search.Dispatcher) error {
	apis, err := apiService.FindAll(ctx)
	if err != nil {
		return err
	}
	for _, details := range apis {
		dispatcher.IndexApi(ctx, details)

		pages, err := repos.Pages.FindByApi(ctx, details.ID)
		if err != nil {
			return err
		}
		for _, page := range pages {
			dispatcher.Index(ctx, search.Source{Kind: search.KindPage, ID: page.ID}, page)
		}
	}
	return nil
}

func buildRepositories(cfg *config.Config) (storage.Repositories, func(), error) {
	switch cfg.Storage.Type {
	case "postgres":
		store, err := postgres.New(cfg.Storage)
		if err != nil {
			return storage.Repositories{}, nil, err
		}
		return store.Repositories(), func() { store.Close() }, nil
	default:
		store := storage.NewMemoryStore()
		return store.Repositories(), func() {}, nil
	}
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
