package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradeflow/api/db"
	"tradeflow/api/internal/app"
	"tradeflow/api/internal/config"
	"tradeflow/api/internal/gitrepo"
	"tradeflow/api/internal/logging"
	"tradeflow/api/internal/search"
	"tradeflow/api/internal/session"
	"tradeflow/api/internal/store"
	"tradeflow/api/internal/templates"
)

func newServeCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log, !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply pending migrations on start")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger, migrate bool) error {
	var (
		dataStore app.Store
		database  *sql.DB
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		var err error
		database, err = store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer database.Close()
		if migrate {
			applied, err := store.ApplyMigrations(ctx, database, db.Migrations())
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			if len(applied) > 0 {
				log.Info("applied migrations", zap.Strings("versions", applied))
			}
		}
		dataStore = store.NewPostgresStore(database)
	} else {
		log.Warn("no database_url configured, trades are kept in memory")
		dataStore = store.NewMemoryStore()
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []app.Option{
		app.WithLogger(log),
		app.WithMetrics(app.NewMetrics(registry)),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		pools, err := session.NewRedisStore(cfg.RedisURL, cfg.PoolTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer pools.Close()
		opts = append(opts, app.WithPools(pools))
		log.Info("shared pools stored in redis", zap.Duration("ttl", cfg.PoolTTL))
	}

	source, err := templateSource(cfg)
	if err != nil {
		return err
	}
	opts = append(opts, app.WithTemplates(source))

	searchService, closeSearch := newSearch(ctx, cfg, database, log)
	defer closeSearch()
	opts = append(opts, app.WithSearch(searchService))

	service := app.New(*cfg, dataStore, gitrepo.New(cfg.ReposDir), opts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("tradeflow api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// templateSource prefers operator overrides on disk, then the bucket, then
// the templates compiled into the binary.
func templateSource(cfg *config.Config) (templates.Source, error) {
	var chain templates.Chain
	if strings.TrimSpace(cfg.TemplatesDir) != "" {
		chain = append(chain, templates.Dir{Root: cfg.TemplatesDir})
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		bucket, err := templates.NewMinio(templates.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Prefix:    cfg.MinioPrefix,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		chain = append(chain, bucket)
	}
	return append(chain, templates.Embedded{}), nil
}

func newSearch(ctx context.Context, cfg *config.Config, database *sql.DB, log *zap.Logger) (*search.Service, func()) {
	var (
		primary  search.Backend
		fallback search.Searcher
		pg       *search.PgFTS
		closeFn  = func() {}
	)
	if database != nil {
		pg = search.NewPgFTS(database)
		fallback = pg
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey, log)
		primary = meili
		closeFn = meili.Close
	}
	svc := search.NewService(primary, fallback, log)
	go svc.ReindexAllFromPG(ctx, pg)
	return svc, closeFn
}
