package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	goconf "github.com/ThomasObenaus/go-conf"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/api"
	"github.com/gensoc/obitstore/internal/archive"
	"github.com/gensoc/obitstore/internal/config"
	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/docgen"
	"github.com/gensoc/obitstore/internal/ingest"
	"github.com/gensoc/obitstore/internal/repository"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
	"github.com/gensoc/obitstore/internal/server"
	"github.com/gensoc/obitstore/internal/syncer"
)

func main() {
	lg := zap.Must(zap.NewProduction())

	cfg := config.Config{}

	cfgProvider, err := goconf.NewConfigProvider(
		&cfg,
		"OBITSTORE",
		"OBITSTORE",
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
	generator := docgen.NewHTTPGenerator(docgen.HTTPGeneratorConfig{BaseURL: cfg.Reports.URL})
	assembler := archive.NewAssembler(records, con, generator, lg)

	// Converge the catalog with the store before traffic builds up.
	go func() {
		if _, err := engine.Reconcile(context.Background()); err != nil {
			lg.Error("startup reconciliation failed", zap.Error(err))
		}
	}()

	addr := cfg.HTTP.Addr
	if addr == "" {
		addr = config.DefaultHTTPAddr
	}
	srv := server.New(server.Config{
		Addr:        addr,
		ReadTimeout: 30 * time.Second,
		// Archive downloads stream for a while on slow links.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}, lg, api.NewHandler(pipeline, engine, assembler, lg))

	if err := srv.Run(); err != nil {
		lg.Fatal("server failed", zap.Error(err))
	}
}
