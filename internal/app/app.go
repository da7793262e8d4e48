package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/cmd/migrate"
	"github.com/Davud77/botplus-maps/internal/cache"
	"github.com/Davud77/botplus-maps/internal/catalog"
	"github.com/Davud77/botplus-maps/internal/config"
	"github.com/Davud77/botplus-maps/internal/gdal"
	"github.com/Davud77/botplus-maps/internal/jobtracker"
	"github.com/Davud77/botplus-maps/internal/objectstore"
	"github.com/Davud77/botplus-maps/internal/pipeline"
	"github.com/Davud77/botplus-maps/internal/preview"
	"github.com/Davud77/botplus-maps/internal/redisconn"
	"github.com/Davud77/botplus-maps/internal/sweeper"
	"github.com/Davud77/botplus-maps/internal/tileproxy"
	"github.com/Davud77/botplus-maps/internal/transport/handler"
	"github.com/Davud77/botplus-maps/internal/transport/router"
)

type App struct {
	HttpServer *http.Server

	orchestrator *pipeline.Orchestrator
	cancel       context.CancelFunc
	log          zerolog.Logger
}

func New(cfg *config.Config) (*App, error) {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()
	ctx, cancel := context.WithCancel(context.Background())

	if err := migrate.Migrate(cfg.Database.DSN, migrate.Migrations); err != nil {
		cancel()
		return nil, err
	}

	repo, err := catalog.New(ctx, cfg.Database.DSN)
	if err != nil {
		cancel()
		return nil, err
	}

	store, err := objectstore.New(ctx, &cfg.Storage, log)
	if err != nil {
		cancel()
		return nil, err
	}

	tracker, err := jobtracker.New(cfg.Tracker.Dir)
	if err != nil {
		cancel()
		return nil, err
	}
	go trackerRetentionLoop(ctx, tracker, &cfg.Tracker, log)

	engine := gdal.NewEngine(log)
	prober := gdal.NewProber(log)
	previewer := preview.NewGenerator(engine, cfg.Pipeline.PreviewWidth, log)

	orch, err := pipeline.New(store, repo, prober, engine, previewer, tracker, pipeline.Options{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
		TempDir:   cfg.Pipeline.TempDir,
	}, log)
	if err != nil {
		cancel()
		return nil, err
	}

	// Tile caching is optional: without Redis nodes every tile request
	// goes straight to the renderer.
	proxy := tileproxy.New(&cfg.Renderer, store, nil, log)
	if len(cfg.Redis.Nodes) > 0 {
		conn, err := redisconn.Build(ctx, &cfg.Redis, log)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, tile cache disabled")
		} else {
			tiles := cache.NewCache("botplus:tiles", cfg.Renderer.TileCacheTTL.Std(), conn.Client())
			proxy = tileproxy.New(&cfg.Renderer, store, tiles, log)
		}
	}

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(store, repo, cfg.Sweeper.Interval.Std(), cfg.Sweeper.Grace.Std(), cfg.Sweeper.DeleteOrphans, log)
		go sw.Run(ctx)
	}

	h := handler.New(orch, tracker, repo, proxy, cfg, log)
	r := router.NewRouter(h)

	s := &http.Server{
		Handler:      r,
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	return &App{
		HttpServer:   s,
		orchestrator: orch,
		cancel:       cancel,
		log:          log,
	}, nil
}

func (a *App) Run() error {
	a.log.Info().Str("addr", a.HttpServer.Addr).Msg("starting server")
	return a.HttpServer.ListenAndServe()
}

// Shutdown stops accepting requests, drains in-flight jobs and stops
// the background loops.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.HttpServer.Shutdown(ctx)
	a.orchestrator.Close()
	a.cancel()
	return err
}

func trackerRetentionLoop(ctx context.Context, tracker *jobtracker.Tracker, cfg *config.TrackerConfig, log zerolog.Logger) {
	if cfg.Retention <= 0 || cfg.SweepInterval <= 0 {
		return
	}

	t := time.NewTicker(cfg.SweepInterval.Std())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed, err := tracker.Sweep(cfg.Retention.Std())
			if err != nil {
				log.Error().Err(err).Msg("job record sweep failed")
			} else if removed > 0 {
				log.Debug().Int("removed", removed).Msg("old job records removed")
			}
		}
	}
}
