package main

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/costops/ledger-aggregator/pkg/operator"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the sync trigger API",
	Run:   start,
}

func start(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	logger := newLogger(cfg)
	ctx := setupSignals()

	app, err := buildApp(ctx, logger, cfg, buildOptions{})
	if err != nil {
		logger.WithError(err).Fatal("unable to set up the aggregator")
	}
	defer app.Close()

	router := operator.NewRouter(logger, app.sources, time.Now)
	if err := operator.ListenAndServe(ctx, logger, cfg.Listen, router); err != nil {
		logger.WithError(err).Fatal("error occurred while the aggregator was running")
	}
	logger.Infof("ledger-aggregator has stopped")
}
