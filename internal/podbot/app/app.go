// Package app wires PodBot's subsystems together from a config.Config and
// runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bdobrica/podbot/common/retry"
	"github.com/bdobrica/podbot/common/version"
	"github.com/bdobrica/podbot/internal/podbot/api"
	"github.com/bdobrica/podbot/internal/podbot/chat"
	"github.com/bdobrica/podbot/internal/podbot/config"
	"github.com/bdobrica/podbot/internal/podbot/llm"
	"github.com/bdobrica/podbot/internal/podbot/matrix"
	"github.com/bdobrica/podbot/internal/podbot/memoryserver"
	"github.com/bdobrica/podbot/internal/podbot/observability"
	"github.com/bdobrica/podbot/internal/podbot/store"
	"github.com/bdobrica/podbot/internal/podbot/transcript"
)

// App owns every long-lived resource of the process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db     *store.Store  // nil unless the sqlite backend or matrix is in use
	rdb    *redis.Client // nil unless the redis backend is in use
	memory *memoryserver.Client
	model  llm.Provider
	orch   *chat.Orchestrator

	shutdownTracing observability.ShutdownFunc
}

// New builds every subsystem from cfg. It does not start servers or wait for
// backends; call WaitForBackends and Run for that.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	logger := slog.Default()

	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, shutdownTracing: shutdown}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("PodBot initialised",
		"version", version.Version,
		"namespace", cfg.Namespace,
		"transcript_backend", cfg.Transcript.Backend,
		"llm_provider", a.model.Name(),
		"llm_model", a.model.Model(),
	)
	logger.Debug("effective configuration", "config", cfg.Redacted())
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	if cfg.Transcript.Backend == config.BackendSQLite || cfg.Matrix.Enabled {
		db, err := store.New(cfg.Transcript.DatabasePath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		a.db = db
	}

	var (
		transcripts transcript.Store
		sessions    transcript.Registry
	)
	switch cfg.Transcript.Backend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.Transcript.RedisURL)
		if err != nil {
			return fmt.Errorf("parse transcript.redis_url: %w", err)
		}
		a.rdb = redis.NewClient(opts)
		transcripts = transcript.NewRedisStore(a.rdb)
		sessions = transcript.NewRedisRegistry(a.rdb)
	default:
		transcripts = transcript.NewSQLiteStore(a.db.DB())
		sessions = transcript.NewSQLiteRegistry(a.db.DB())
	}

	a.memory = memoryserver.New(memoryserver.Config{
		BaseURL: cfg.Memory.BaseURL,
		Timeout: cfg.Memory.Timeout,
		Logger:  a.logger,
	})

	model, err := buildProvider(cfg.LLM)
	if err != nil {
		return err
	}
	a.model = model

	orch, err := chat.New(chat.Config{
		Namespace:        cfg.Namespace,
		ContextWindowMax: cfg.Memory.ContextWindowMax,
		Memory:           a.memory,
		Transcripts:      transcripts,
		Sessions:         sessions,
		Model:            llm.NewGenerator(model, a.logger),
		Logger:           a.logger,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	a.orch = orch
	return nil
}

// buildProvider creates the model provider named by cfg.Provider.
func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, "":
		return llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
		}), nil
	case config.ProviderAnthropic:
		return llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Orchestrator returns the conversation core, for the CLI commands that call
// it directly.
func (a *App) Orchestrator() *chat.Orchestrator { return a.orch }

// Ready checks every backend once.
func (a *App) Ready(ctx context.Context) error {
	var errs []error
	if err := a.memory.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memory server: %w", err))
	}
	if a.rdb != nil {
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sqlite: %w", err))
		}
	}
	return errors.Join(errs...)
}

// WaitForBackends retries Ready with backoff until it succeeds or the
// configured attempts run out. It does nothing when the wait is disabled.
func (a *App) WaitForBackends(ctx context.Context) error {
	if !a.cfg.Startup.WaitForBackends {
		return nil
	}
	start := time.Now()
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  a.cfg.Startup.MaxAttempts,
		InitialDelay: a.cfg.Startup.InitialDelay,
		Name:         "backends",
	}, func() error {
		probe, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := a.Ready(probe)
		if err != nil {
			a.logger.Info("waiting for backends", "err", observability.RedactSecrets(err.Error(), a.cfg.Secrets()...))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("backends not ready: %w", err)
	}
	a.logger.Info("backends ready", "waited", time.Since(start).Round(time.Millisecond))
	return nil
}

// Run serves the HTTP API and, when enabled, the Matrix gateway until ctx is
// cancelled or one of them fails to start.
func (a *App) Run(ctx context.Context) error {
	var mx *matrix.Client
	if a.cfg.Matrix.Enabled {
		var err error
		mx, err = matrix.New(matrix.Config{
			Homeserver:  a.cfg.Matrix.Homeserver,
			UserID:      a.cfg.Matrix.UserID,
			AccessToken: a.cfg.Matrix.AccessToken,
			Rooms:       a.cfg.Matrix.Rooms,
			DB:          a.db.DB(),
			Logger:      a.logger,
		})
		if err != nil {
			return err
		}
	}

	srv := api.New(api.Config{
		Addr:          a.cfg.HTTP.Addr,
		Token:         a.cfg.HTTP.Token,
		RatePerMinute: a.cfg.HTTP.RatePerMinute,
		RateBurst:     a.cfg.HTTP.RateBurst,
		ReadTimeout:   a.cfg.HTTP.ReadTimeout,
		WriteTimeout:  a.cfg.HTTP.WriteTimeout,
		Ready:         a.Ready,
		Logger:        a.logger,
	}, a.orch)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	if mx != nil {
		bridge := matrix.NewBridge(a.orch, mx, matrix.NewSQLSessionMap(a.db.DB()), a.logger)
		g.Go(func() error {
			if err := mx.Start(ctx, bridge.Handle); err != nil {
				return fmt.Errorf("start matrix: %w", err)
			}
			<-ctx.Done()
			mx.Stop()
			return nil
		})
	}

	a.logger.Info("PodBot started", "addr", a.cfg.HTTP.Addr, "matrix", mx != nil)
	err := g.Wait()
	a.logger.Info("shutting down")
	return err
}

// Close releases every resource. It is safe to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.rdb != nil {
		errs = append(errs, a.rdb.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdownTracing(ctx))
	}
	return errors.Join(errs...)
}
