// Package app wires configuration into a running job server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/seantiz/quarry/internal/api"
	"github.com/seantiz/quarry/internal/cleaner"
	"github.com/seantiz/quarry/internal/config"
	"github.com/seantiz/quarry/internal/engine"
	"github.com/seantiz/quarry/internal/format"
	"github.com/seantiz/quarry/internal/hooks"
	"github.com/seantiz/quarry/internal/lifecycle"
	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/resultstore"
	"github.com/seantiz/quarry/internal/source"
	"github.com/seantiz/quarry/internal/store"
)

// App owns the long-running components and their shutdown order.
type App struct {
	Store    *store.SQLiteStore
	Executor *engine.Executor
	// Cleaner is nil when cleanup is disabled.
	Cleaner *cleaner.Cleaner
	Server  *api.Server
	logger  *slog.Logger
}

// New builds every component from cfg. Jobs read their rows from src.
func New(ctx context.Context, cfg config.Config, src source.RowSource, logger *slog.Logger) (*App, error) {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	var results resultstore.Storage
	if cfg.Export.Enabled {
		results, err = resultstore.New(ctx, storageConfig(cfg.Storage))
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	formats := format.NewRegistry(format.CSV{WriteHeader: cfg.Export.CSVWriteHeader}, format.JSON{})
	caps := Capabilities(cfg, src, formats, results)

	exec, err := engine.NewExecutor(engine.Config{
		ExecuteWorkers: cfg.Executor.ExecuteWorkers,
		ExecuteBacklog: cfg.Executor.ExecuteBacklog,
		UpdateWorkers:  cfg.Executor.UpdateWorkers,
		UpdateBacklog:  cfg.Executor.UpdateBacklog,
		UpdateTimeout:  cfg.Executor.UpdateTimeout,
		FinishedMemory: cfg.Executor.FinishedMemory,
	}, db, caps, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	dict := lifecycle.NewDictionary()
	hooks.Bind(dict, caps.Kinds(), exec, cfg.MaxAsyncAfter, logger)

	a := &App{
		Store:    db,
		Executor: exec,
		logger:   logger,
		Server: api.NewServer(cfg.ListenAddr, api.Deps{
			Store:     db,
			Executor:  exec,
			Creator:   lifecycle.NewCreator(db, dict, logger),
			Results:   results,
			Formats:   formats,
			RateLimit: api.RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
		}, logger),
	}

	if cfg.Cleanup.Enabled {
		a.Cleaner = cleaner.New(cleaner.Config{
			MaxRunTime:  cfg.Cleanup.MaxRunTime,
			Retention:   cfg.Cleanup.Retention,
			Interval:    cfg.Cleanup.Interval,
			AckTimeout:  cfg.Cleanup.AckTimeout,
			Concurrency: cfg.Cleanup.Concurrency,
		}, db, results, exec, logger)
	}
	return a, nil
}

// Capabilities registers the query and export kinds. The configured default
// export format is listed first so it becomes the export default.
func Capabilities(cfg config.Config, src source.RowSource, formats *format.Registry, results resultstore.Storage) *engine.Capabilities {
	validate := func(j *model.Job) error { return source.ValidateQuery(j.Query) }

	exportTypes := []model.ResultType{model.ResultTypeCSV, model.ResultTypeJSON}
	if model.ResultType(cfg.Export.DefaultFormat) == model.ResultTypeJSON {
		exportTypes = []model.ResultType{model.ResultTypeJSON, model.ResultTypeCSV}
	}

	caps := engine.NewCapabilities()
	caps.Register(engine.Capability{
		Kind:        model.KindQuery,
		Enabled:     cfg.Query.Enabled,
		ResultTypes: []model.ResultType{model.ResultTypeJSON},
		Validate:    validate,
		Strategy:    &engine.QueryStrategy{Source: src, MaxRows: cfg.Query.MaxRows},
	})
	caps.Register(engine.Capability{
		Kind:        model.KindExport,
		Enabled:     cfg.Export.Enabled,
		ResultTypes: exportTypes,
		Validate:    validate,
		Strategy:    &engine.ExportStrategy{Source: src, Formats: formats, Results: results},
	})
	return caps
}

func storageConfig(s config.StorageConfig) resultstore.Config {
	return resultstore.Config{
		Provider:           s.Provider,
		AppendExtension:    s.AppendExtension,
		Prefix:             s.Prefix,
		FileRoot:           s.Root,
		S3Bucket:           s.S3.Bucket,
		S3Region:           s.S3.Region,
		S3Endpoint:         s.S3.Endpoint,
		S3AccessKeyID:      s.S3.AccessKeyID,
		S3SecretAccessKey:  s.S3.SecretAccessKey,
		GCSBucket:          s.GCS.Bucket,
		GCSCredentialsFile: s.GCS.CredentialsFile,
		AzureAccountName:   s.Azure.AccountName,
		AzureAccountKey:    s.Azure.AccountKey,
		AzureContainer:     s.Azure.Container,
		AzureServiceURL:    s.Azure.ServiceURL,
		CacheSize:          s.CacheSize,
		CacheTTL:           s.CacheTTL,
	}
}

// Start launches the executor and, when enabled, the cleaner.
func (a *App) Start() {
	a.Executor.Start()
	if a.Cleaner != nil {
		a.Cleaner.Start()
	}
}

// Shutdown stops the cleaner before the executor so no timeout scan races
// the executor's own shutdown writes, then closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Cleaner != nil {
		if err := a.Cleaner.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Executor.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
