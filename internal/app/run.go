// Package app wires the configured stations, sinks and HTTP API together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cloudpico-stations/internal/config"
	"cloudpico-stations/internal/db"
	"cloudpico-stations/internal/httpapi"
	"cloudpico-stations/internal/migrate"
	"cloudpico-stations/internal/mqtt"
	"cloudpico-stations/internal/safety"
	"cloudpico-stations/internal/schedule"
	"cloudpico-stations/internal/sink"
	"cloudpico-stations/internal/station"
)

const shutdownTimeout = 10 * time.Second

// App is a configured, not yet started, station service.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *station.Registry
	sched    *schedule.Scheduler
	server   *http.Server

	// closers run in reverse order on Close.
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

type pingerFunc func(context.Context) error

func (f pingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

// Run builds the App from cfg and serves until ctx is done.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Error("shutdown", "error", closeErr)
		}
	}()
	return a.Serve(ctx)
}

// New loads the stations file and opens every configured sink. On error,
// whatever was already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"httpAddr", cfg.HTTPAddr,
		"stationsFile", cfg.StationsFile,
		"humanInterventionFile", cfg.HumanInterventionFile,
		"dbDriver", cfg.Driver,
		"sqlitePath", cfg.Path,
		"redisAddr", cfg.RedisAddr,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"kafkaBrokers", cfg.KafkaBrokers,
		"kafkaTopic", cfg.KafkaTopic,
	)

	file, err := config.LoadStations(cfg.StationsFile)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: station.NewRegistry(),
		sched:    schedule.New(logger),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	deps := httpapi.Deps{Logger: logger}
	sinks, err := a.openSinks(ctx, &deps)
	if err != nil {
		return nil, err
	}
	var persist sink.Sink
	if len(sinks) > 0 {
		persist = sink.Chain(sinks...)
	}

	sizes := file.BufferSizes()
	claims := station.NewPortClaims()
	for _, sc := range file.EnabledStations() {
		st, err := station.Build(sc.Spec(), station.Options{
			BufferSize:     sizes[sc.Name],
			Persist:        sink.Bind(persist, sc.Name),
			StartupTimeout: cfg.StartupTimeout,
			Claims:         claims,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		if err := a.registry.Add(st); err != nil {
			return nil, err
		}
	}

	sensors, err := file.NewSensors()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.HumanInterventionFile), 0o755); err != nil {
		logger.Warn("human intervention directory not available", "path", cfg.HumanInterventionFile, "error", err)
	}
	gate := safety.NewGate(cfg.HumanInterventionFile)

	deps.Stations = a.registry
	deps.Safety = safety.NewEvaluator(gate, a.registry, sensors)
	deps.Gate = gate
	a.server = httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(deps), logger)

	logger.Info("stations configured",
		"stations", len(a.registry.All()),
		"sensors", len(sensors),
		"sinks", len(sinks),
	)
	return a, nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// openSinks opens the reading repository and the optional publishers. The
// repository also backs the history route and the health check.
func (a *App) openSinks(ctx context.Context, deps *httpapi.Deps) ([]sink.Sink, error) {
	cfg, logger := a.cfg, a.logger
	var sinks []sink.Sink

	switch cfg.Driver {
	case "sqlite3":
		conn, err := db.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		a.onClose("sqlite", func() error { return db.Close(conn) })
		applied, err := migrate.Run(ctx, conn, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("database ready", "driver", cfg.Driver, "migrations_applied", len(applied))
		repo := sink.NewSQLRepository(conn)
		sinks = append(sinks, repo)
		deps.History, deps.DB = repo, conn
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		repo := sink.NewPostgresRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		logger.Info("database ready", "driver", cfg.Driver)
		sinks = append(sinks, repo)
		deps.History, deps.DB = repo, pingerFunc(pool.Ping)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.onClose("redis", client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping failed (continuing, the client reconnects)", "addr", cfg.RedisAddr, "error", err)
		}
		cache := sink.NewRedisCache(client, cfg.RedisTTL)
		sinks = append(sinks, cache)
		deps.Last = cache
	}

	if cfg.MQTTBroker != "" {
		client := mqtt.NewClient(mqtt.Config{
			Broker:   cfg.MQTTBroker,
			Port:     cfg.MQTTPort,
			ClientID: cfg.MQTTClientID,
		}, logger)
		a.onClose("mqtt", func() error { client.Disconnect(); return nil })

		// a broker that is down must not block startup
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Connect(connectCtx)
		cancel()
		if err != nil {
			logger.Warn("mqtt connection failed (continuing, the client reconnects)", "error", err)
		}
		sinks = append(sinks, sink.NewMQTTPublisher(client))
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp, err := sink.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return nil, err
		}
		a.onClose("kafka", kp.Close)
		sinks = append(sinks, kp)
	}
	return sinks, nil
}

// Handler returns the HTTP handler, middleware included.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Registry returns the configured stations.
func (a *App) Registry() *station.Registry { return a.registry }

// Serve starts every station and the HTTP server, and blocks until ctx is
// done or the server fails. Stations that fail to start are logged and
// skipped.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := a.registry.StartAll(gctx, a.sched, a.logger); err != nil {
			a.logger.Warn("some stations did not start", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("http shutting down")
		return a.server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Close stops every station and closes the sinks. It is safe to call more
// than once.
func (a *App) Close() error {
	var errs []error
	if err := a.registry.StopAll(); err != nil {
		errs = append(errs, err)
	}
	a.sched.Stop()
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		a.logger.Info("closing", "sink", c.name)
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Migrate brings the configured repository's schema up to date without
// starting anything.
func Migrate(ctx context.Context, cfg config.Config, logger *slog.Logger) ([]string, error) {
	switch cfg.Driver {
	case "sqlite3":
		conn, err := db.Open(cfg, logger)
		if err != nil {
			return nil, err
		}
		defer func() { _ = db.Close(conn) }()
		return migrate.Run(ctx, conn, logger)
	case "postgres":
		pool, err := db.OpenPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		if err := sink.NewPostgresRepository(pool).EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return []string{"schema"}, nil
	default:
		return nil, fmt.Errorf("nothing to migrate for DB_DRIVER %q", cfg.Driver)
	}
}
