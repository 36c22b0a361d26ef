package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/config"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/core"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/credentials"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/database"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/events"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/logger"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/service"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/authmatrix/internal/transport"
)

// App holds the wired dependencies shared by every command.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	Telemetry core.Telemetry
	Repo      core.Repository
	Bus       *events.Bus
	Service   *service.Service

	// Remote is set when events are shared with other instances over Redis.
	Remote *events.RedisSink

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app := &App{Config: cfg, Logger: log}

	app.Telemetry, err = telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		app.Telemetry = telemetry.NewNoop()
	}
	app.closers = append(app.closers, app.Telemetry.Close)

	sealer := credentials.NewSealer(cfg.Security.AttributePassphrase)
	app.Repo, err = database.Open(cfg.Database, sealer, log)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.closers = append(app.closers, app.Repo.Close)

	// Base requests must outlive a single command, so the database keeps
	// exchanges unless Redis is configured for them.
	var (
		exchanges transport.ExchangeStore = transport.NewMemoryExchangeStore()
		sinks     []events.Sink
	)
	if store, ok := app.Repo.(*database.Store); ok {
		exchanges = store.Exchanges()
	}
	if cfg.Redis.Enabled {
		redisStore, err := transport.NewRedisExchangeStore(cfg.Redis)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect exchange store: %w", err)
		}
		exchanges = redisStore

		sink, err := events.NewRedisSink(cfg.Redis)
		if err != nil {
			redisStore.Close()
			app.Close()
			return nil, fmt.Errorf("failed to connect event sink: %w", err)
		}
		sinks = append(sinks, sink)
		app.Remote = sink
		app.closers = append(app.closers, sink.Close)
		log.Infow("Redis enabled", "addr", cfg.Redis.Addr, "channel", cfg.Redis.EventsChannel)
	}
	app.closers = append(app.closers, exchanges.Close)

	app.Bus = events.NewBus(log, sinks...)
	tr := transport.New(cfg.Transport, exchanges, log, app.Telemetry)
	app.Service = service.New(service.Config{
		BatchSize:         cfg.Analysis.BatchSize,
		ImportConcurrency: cfg.Import.Concurrency,
		FallbackBaseURL:   cfg.Import.BaseURL,
	}, app.Repo, tr, app.Bus, log, app.Telemetry)
	app.Bus.SetProjectContext(app.Service)

	return app, nil
}

// selectProject activates the project named by --project or AUTHMATRIX_PROJECT.
func (a *App) selectProject(ctx context.Context) error {
	projectID := viper.GetString("project")
	if projectID == "" {
		return fmt.Errorf("no project selected: pass --project or set AUTHMATRIX_PROJECT")
	}
	if err := a.Service.SelectProject(ctx, projectID); err != nil {
		return fmt.Errorf("failed to select project %s: %w", projectID, err)
	}
	return nil
}

// Close waits for background work and releases resources in reverse order.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to release resource: %v\n", err)
		}
	}
	if a.Logger != nil {
		// Sync errors on stdout/stderr are expected on Linux
		_ = a.Logger.Sync()
	}
}

// withApp loads configuration, builds the App and, when scoped, selects the
// project before running fn.
func withApp(ctx context.Context, scoped bool, fn func(ctx context.Context, app *App) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	if scoped {
		if err := app.selectProject(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, app)
}
