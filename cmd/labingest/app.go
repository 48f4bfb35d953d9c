package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ctmansfield/health-portal/internal/config"
	"github.com/ctmansfield/health-portal/internal/domain/coding"
	"github.com/ctmansfield/health-portal/internal/domain/ingest"
	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/artifact"
	"github.com/ctmansfield/health-portal/internal/platform/db"
	"github.com/ctmansfield/health-portal/internal/platform/metrics"
)

// app holds everything a command needs, built from config.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   ingest.Store
	health  *db.Checker
	sink    artifact.Sink
	metrics *metrics.Metrics
	svc     *ingest.Service
	closers []func()
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newApp wires the service. The store is only opened when withStore is set,
// so dry runs work without a database.
func newApp(ctx context.Context, cfg *config.Config, withStore bool) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg), metrics: metrics.New()}

	rules, err := coding.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	if rules.Len() == 0 {
		a.logger.Warn().Str("path", cfg.RulesPath).Msg("no mapping rules loaded; every test gets a local code")
	}
	r := rules.Rules()
	for later, earlier := range rules.Shadowed() {
		a.logger.Warn().
			Str("pattern", r[later].Pattern).
			Str("shadowed_by", r[earlier].Pattern).
			Msg("mapping rule can only match exactly; an earlier broader pattern wins substring matches")
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := parser.ParseOrphanPolicy(cfg.OrphanRowPolicy)
	if err != nil {
		return nil, err
	}

	if a.sink, err = openSink(ctx, cfg); err != nil {
		return nil, err
	}

	if withStore {
		if err := a.openStore(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.svc = ingest.NewService(ingest.Options{
		Registry:     parser.DefaultRegistry(),
		Mapper:       coding.NewMapper(rules),
		Store:        a.store,
		Sink:         a.sink,
		Metrics:      a.metrics,
		Logger:       a.logger,
		Location:     loc,
		OrphanPolicy: policy,
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if err := a.cfg.RequireStore(); err != nil {
		return err
	}

	switch a.cfg.StoreDriver {
	case config.StoreSQLite:
		conn, err := db.OpenSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		store, err := ingest.NewSQLiteStore(ctx, conn)
		if err != nil {
			return err
		}
		chk := db.SQLChecker(config.StoreSQLite, conn)
		a.store, a.health = store, &chk
		a.logger.Info().Str("path", a.cfg.SQLitePath).Msg("using sqlite store")

	default:
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.cfg.DBSchema)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pool.Close)
		chk := db.PoolChecker(pool)
		a.store, a.health = ingest.NewStorePG(pool, a.cfg.StageBatchSize), &chk
		a.logger.Info().Str("schema", a.cfg.DBSchema).Msg("connected to database")
	}
	return nil
}

func openSink(ctx context.Context, cfg *config.Config) (artifact.Sink, error) {
	if cfg.ArtifactDriver == config.ArtifactS3 {
		return artifact.NewS3Sink(ctx, artifact.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			PathStyle: cfg.S3PathStyle,
		})
	}
	return artifact.NewDirSink(cfg.ArtifactDir), nil
}

// Close releases the store in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
