package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	goconf "github.com/ThomasObenaus/go-conf"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/config"
	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/ingest"
	"github.com/gensoc/obitstore/internal/repository"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
	"github.com/gensoc/obitstore/internal/syncer"
)

// One-shot reconciliation: diff the object store against the catalog, apply
// the repairs, log the report, exit.
func main() {
	lg := zap.Must(zap.NewProduction())

	cfg := config.Config{}

	cfgProvider, err := goconf.NewConfigProvider(
		&cfg,
		"OBITSTORE_SYNC",
		"OBITSTORE_SYNC",
	)
	if err != nil {
		lg.Fatal("failed to build config provider", zap.Error(err))
	}

	err = cfgProvider.ReadConfig(os.Args)
	if err != nil {
		fmt.Println(cfgProvider.Usage())
		os.Exit(-1)
	}

	con, err := connector.NewFromURL(connector.ConnectorType(cfg.Store.Type), cfg.Store.URL)
	if err != nil {
		lg.Fatal("failed to build store connector", zap.Error(err))
	}

	db, err := sql.Open("postgres", cfg.Catalog.URL)
	if err != nil {
		lg.Fatal("failed to open db", zap.Error(err))
	}
	defer db.Close()

	err = db.Ping()
	if err != nil {
		lg.Fatal("failed to ping db", zap.Error(err))
	}

	if err := repository.Migrate(db); err != nil {
		lg.Fatal("failed to migrate db", zap.Error(err))
	}

	catalog := catalog_repo.NewPostgresCatalog(db)
	records := record_repo.NewPostgresRecords(db)
	pipeline := ingest.NewPipeline(con, catalog, records, lg)
	engine := syncer.NewEngine(con, catalog, records, pipeline, lg)

	report, err := engine.Reconcile(context.Background())
	if err != nil {
		lg.Fatal("reconciliation failed", zap.Error(err))
	}

	lg.Info("reconciliation complete",
		zap.String("run_id", report.RunID),
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("evicted", report.Evicted),
		zap.Int("orphaned", report.Orphaned),
		zap.Int("errors", len(report.Errors)),
	)
}
