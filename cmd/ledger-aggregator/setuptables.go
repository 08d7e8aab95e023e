package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/hive"
)

var setupTablesCmd = &cobra.Command{
	Use:   "setup-tables",
	Short: "creates the warehouse tables if they do not exist",
	Run:   setupTables,
}

func setupTables(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	logger := newLogger(cfg)
	ctx := setupSignals()

	if cfg.Hive.Host == "" {
		logger.Fatal("hive.host is required to set up tables")
	}
	hiveConn, err := hive.NewHiveConnWithRetry(ctx, logger, cfg.Hive.Host, cfg.Hive.ConnectBackoff.Std(), cfg.Hive.MaxRetries)
	if err != nil {
		logger.WithError(err).Fatal("unable to connect to hive")
	}
	defer hiveConn.Close()
	execer := db.NewLoggingExecer(hiveConn, logger, cfg.LogQueries)

	if err := hive.CreateLedgerTable(execer, cfg.Tables.Ledger); err != nil {
		logger.WithError(err).Fatalf("error creating ledger table %s", cfg.Tables.Ledger)
	}
	logger.Infof("created ledger table %s", cfg.Tables.Ledger)

	if err := hive.CreateExportTable(execer, cfg.Tables.Export); err != nil {
		logger.WithError(err).Fatalf("error creating export table %s", cfg.Tables.Export)
	}
	logger.Infof("created export table %s", cfg.Tables.Export)

	if cfg.Tables.PartnerRaw != "" {
		if err := hive.CreateRawUsageTable(execer, cfg.Tables.PartnerRaw); err != nil {
			logger.WithError(err).Fatalf("error creating partner raw table %s", cfg.Tables.PartnerRaw)
		}
		logger.Infof("created partner raw table %s", cfg.Tables.PartnerRaw)
	}
}
