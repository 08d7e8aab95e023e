package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/allocation"
	"github.com/costops/ledger-aggregator/pkg/analysis"
	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/config"
	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
	"github.com/costops/ledger-aggregator/pkg/operator"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/rates"
	"github.com/costops/ledger-aggregator/pkg/sources/batchusage"
	"github.com/costops/ledger-aggregator/pkg/sources/cloudexport"
	"github.com/costops/ledger-aggregator/pkg/sources/partnercsv"
	"github.com/costops/ledger-aggregator/pkg/sources/sharedcompute"
	"github.com/costops/ledger-aggregator/pkg/topicmap"
)

// buildOptions selects the sink the connectors write to.
type buildOptions struct {
	// dryRun counts what would be inserted without writing. The existence
	// checks still run against the warehouse.
	dryRun bool

	// sink replaces the warehouse sink entirely when non-nil, e.g. a local
	// JSONL file.
	sink ledgerstore.Sink
}

// app holds the wired connectors behind their trigger sources.
type app struct {
	logger     log.FieldLogger
	prestoConn *sql.DB
	sources    []operator.Source
}

func (a *app) Close() {
	if err := a.prestoConn.Close(); err != nil {
		a.logger.WithError(err).Error("error closing presto connection")
	}
}

func (a *app) source(name string) (operator.Source, error) {
	for _, src := range a.sources {
		if src.Name == name {
			return src, nil
		}
	}
	return operator.Source{}, fmt.Errorf("unknown source %q", name)
}

func buildApp(ctx context.Context, logger log.FieldLogger, cfg config.Config, opts buildOptions) (*app, error) {
	prestoConn, err := presto.NewPrestoConnWithRetry(ctx, logger, cfg.Presto.Host, cfg.Presto.ConnectBackoff.Std(), cfg.Presto.MaxRetries)
	if err != nil {
		return nil, err
	}
	queryer := db.NewLoggingQueryer(prestoConn, logger, cfg.LogQueries)

	sink := opts.sink
	if sink == nil {
		store := ledgerstore.NewStore(logger, queryer, cfg.Tables.Ledger)
		sink = ledgerstore.NewUpserter(logger, store, opts.dryRun)
	}

	rateCache := rates.NewCache(logger, rates.NewExportSource(queryer, cfg.Tables.Export))
	batchClient := batchapi.NewClient(logger, cfg.BatchAPI.URL, cfg.BatchAPI.UIURL, cfg.BatchAPI.Token)
	analysisClient := analysis.NewClient(logger, cfg.AnalysisAPI.URL, cfg.AnalysisAPI.Token)
	exportReader := cloudexport.NewReader(logger, queryer, cfg.Tables.Export)

	topics, err := loadTopics(cfg)
	if err != nil {
		prestoConn.Close()
		return nil, err
	}

	batchUsage := batchusage.New(logger, batchusage.Config{
		ServiceID:          cfg.BatchUsage.ServiceID,
		ServiceDescription: cfg.BatchUsage.ServiceDescription,
		SharedTopic:        cfg.BatchUsage.SharedTopic,
		CreditProject:      creditProject(cfg.BatchUsage.CreditProject),
		ExcludedProjects:   cfg.BatchUsage.ExcludedProjects,
		TopicOverrides:     cfg.BatchUsage.TopicOverrides,
		KeyCutover:         cfg.BatchUsage.KeyCutover.Time,
		Currency:           cfg.Currency,
		ServiceFee:         cfg.BatchUsage.ServiceFee,
	}, batchClient, rateCache, sink)

	sharedCompute := sharedcompute.New(logger, sharedcompute.Config{
		BillingProject: cfg.SharedCompute.BillingProject,
		Datasets:       cfg.SharedCompute.Datasets,
		ExportProjects: cfg.SharedCompute.ExportProjects,
		Engine: allocation.Config{
			ServiceID:              cfg.SharedCompute.ServiceID,
			DirectDescription:      cfg.SharedCompute.DirectDescription,
			DistributedDescription: cfg.SharedCompute.DistributedDescription,
			SharedTopic:            cfg.BatchUsage.SharedTopic,
			CreditProject:          creditProject(cfg.BatchUsage.CreditProject),
			DefaultTopic:           cfg.SharedCompute.DefaultTopic,
			FirstLoad:              cfg.SharedCompute.FirstLoad.Time,
			KeyCutover:             cfg.BatchUsage.KeyCutover.Time,
			Currency:               cfg.Currency,
			ServiceFee:             cfg.BatchUsage.ServiceFee,
			UIURL:                  batchClient.UIURL,
		},
	}, batchClient, analysisClient, exportReader, rateCache, sink)

	exportConnector := cloudexport.New(logger, cloudexport.Config{
		ExcludedProjects: cfg.CloudExport.ExcludedProjects,
	}, exportReader, topics, sink)

	partnerClient := partnercsv.NewClient(logger, cfg.Partner.TokenURL, cfg.Partner.UsageURL, cfg.Partner.APIKey, cfg.Partner.Tenant)
	partner := partnercsv.New(logger, partnercsv.Config{
		Topic:          cfg.Partner.Topic,
		ConversionRate: cfg.Partner.ConversionRate,
		Currency:       cfg.Currency,
	}, partnerClient, partnercsv.NewRawStore(logger, queryer, cfg.Tables.PartnerRaw), sink)

	sources := []operator.Source{
		{
			Name:         "batchusage",
			Sync:         batchUsage.Sync,
			SyncBatchIDs: batchUsage.SyncBatchIDs,
			Interval:     cfg.BatchUsage.Interval.Std(),
		},
		{
			Name:         "sharedcompute",
			Sync:         sharedCompute.SyncCompute,
			SyncBatchIDs: sharedCompute.SyncBatchIDs,
			Interval:     cfg.SharedCompute.Interval.Std(),
			WindowOffset: cfg.SharedCompute.WindowOffset.Std(),
		},
		{
			Name:         "sharedcompute-hosting",
			Sync:         sharedCompute.SyncHosting,
			Interval:     cfg.SharedCompute.Interval.Std(),
			WindowOffset: cfg.SharedCompute.WindowOffset.Std(),
		},
		{
			Name:     "cloudexport",
			Sync:     exportConnector.Sync,
			Interval: cfg.CloudExport.Interval.Std(),
		},
		{
			Name:     "partnercsv",
			Sync:     partner.Sync,
			Interval: cfg.Partner.Interval.Std(),
		},
	}

	return &app{
		logger:     logger,
		prestoConn: prestoConn,
		sources:    sources,
	}, nil
}

// loadTopics builds the project-to-topic map from the dataset configuration
// document, with explicit config entries layered on top.
func loadTopics(cfg config.Config) (*topicmap.Map, error) {
	topics := topicmap.NewFromProjects(nil)
	if cfg.Topics.DatasetConfigPath != "" {
		doc, err := os.ReadFile(cfg.Topics.DatasetConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error reading dataset configuration: %v", err)
		}
		if topics, err = topicmap.Parse(doc); err != nil {
			return nil, err
		}
	}
	for projectID, topic := range cfg.Topics.Projects {
		topics.Add(projectID, topic)
	}
	return topics, nil
}

func creditProject(id string) *ledger.Project {
	if id == "" {
		return nil
	}
	return &ledger.Project{ID: id, Name: id}
}
