package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stylehive/stylist/pkg/catalog"
	"github.com/stylehive/stylist/pkg/chat"
	"github.com/stylehive/stylist/pkg/chatstore"
	"github.com/stylehive/stylist/pkg/config"
	"github.com/stylehive/stylist/pkg/eventbus"
	"github.com/stylehive/stylist/pkg/logging"
	"github.com/stylehive/stylist/pkg/queue"
	"github.com/stylehive/stylist/pkg/upstream"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "stylist",
	Short: "AI shopping assistant chat backend",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server and queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logging.Setup(cfg.Log.Level)
		return runServe(cmd.Context(), cfg)
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	bus, err := eventbus.Build(eventbus.Settings{
		RedisEnabled: cfg.Redis.Enabled,
		RedisAddr:    cfg.Redis.Addr,
		Group:        cfg.Redis.Group,
		Consumer:     cfg.Redis.Consumer,
	})
	if err != nil {
		return errors.Wrap(err, "build event bus")
	}

	var store chatstore.TranscriptStore
	if p := strings.TrimSpace(cfg.Store.SQLitePath); p != "" {
		dsn, err := chatstore.SQLiteDSNForFile(p)
		if err != nil {
			return errors.Wrap(err, "build sqlite DSN")
		}
		s, err := chatstore.NewSQLiteTranscriptStore(dsn)
		if err != nil {
			return errors.Wrap(err, "open transcript store")
		}
		store = s
	} else {
		log.Warn().Msg("no sqlite path configured, transcripts are in-memory only")
		store = chatstore.NewMemoryTranscriptStore()
	}

	var queueBackend queue.Backend
	if cfg.Redis.Enabled {
		backend, err := queue.NewRedisBackend(redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr}))
		if err != nil {
			return errors.Wrap(err, "build redis queue backend")
		}
		queueBackend = backend
	} else {
		queueBackend = queue.NewMemoryBackend()
	}
	workQueue, err := queue.NewWorkQueue(queueBackend, queue.WithMaxRetries(cfg.Queue.MaxRetries))
	if err != nil {
		return errors.Wrap(err, "build work queue")
	}

	var resolver catalog.Resolver
	if base := strings.TrimSpace(cfg.Catalog.BaseURL); base != "" {
		lookup, err := catalog.NewHTTPLookupClient(base, time.Duration(cfg.Catalog.LookupTimeoutMs)*time.Millisecond)
		if err != nil {
			return errors.Wrap(err, "build catalog client")
		}
		caching, err := catalog.NewCachingResolver(lookup,
			catalog.WithCacheTTL(cfg.CatalogCacheTTL()),
			catalog.WithCacheLimit(cfg.Catalog.CacheMaxEntries),
		)
		if err != nil {
			return errors.Wrap(err, "build catalog resolver")
		}
		resolver = caching
	} else {
		log.Warn().Msg("no catalog base url configured, references will not resolve")
	}

	upstreamClient, err := upstream.NewOpenAIClient(upstream.OpenAIConfig{
		BaseURL:        cfg.Upstream.BaseURL,
		APIKey:         cfg.Upstream.APIKey,
		Model:          cfg.Upstream.Model,
		RequestTimeout: time.Duration(cfg.Upstream.RequestTimeoutSec) * time.Second,
	})
	if err != nil {
		return errors.Wrap(err, "build upstream client")
	}

	cm := chat.NewConvManager()
	cm.SetEvictionConfig(
		time.Duration(cfg.Session.IdleEvictSec)*time.Second,
		time.Duration(cfg.Session.EvictIntervalSec)*time.Second,
	)

	svc, err := chat.NewChatService(chat.ServiceConfig{
		BaseCtx:        ctx,
		ConvManager:    cm,
		Upstream:       upstreamClient,
		Publisher:      upstream.NewPublisher(bus.Publisher),
		Subscriber:     bus.Subscriber,
		Topics:         bus,
		Resolver:       resolver,
		Store:          store,
		Queue:          workQueue,
		Stages:         cfg.Stages,
		SessionTimeout: cfg.SessionTimeout(),
	})
	if err != nil {
		return errors.Wrap(err, "build chat service")
	}

	router, err := chat.NewRouter(svc, cm)
	if err != nil {
		return errors.Wrap(err, "build router")
	}

	srv, err := chat.NewServer(chat.ServerConfig{
		Addr:       cfg.HTTP.Addr,
		Router:     router,
		ConvMgr:    cm,
		Service:    svc,
		WorkerPoll: cfg.QueuePollInterval(),
		Closers:    []func() error{bus.Close, store.Close},
	})
	if err != nil {
		return errors.Wrap(err, "build server")
	}
	return srv.Run(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
