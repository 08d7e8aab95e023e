// Package sharedcompute syncs the shared analysis platform's spend. Compute
// batches run under one billing project on behalf of many datasets; the
// allocation engine splits their cost using per-day dataset proportions
// fetched from the sample-metadata service.
package sharedcompute

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/allocation"
	"github.com/costops/ledger-aggregator/pkg/analysis"
	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
	"github.com/costops/ledger-aggregator/pkg/sources/cloudexport"
	"github.com/costops/ledger-aggregator/pkg/sources/pipeline"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// BatchClient is the batch service surface the connector needs.
type BatchClient interface {
	pipeline.JobLister
	CompletedBatches(ctx context.Context, w timeutil.Window, billingProject string) ([]batchapi.Batch, error)
	GetBatch(ctx context.Context, batchID string) (batchapi.Batch, error)
}

// AnalysisClient fetches dataset proportion series.
type AnalysisClient interface {
	ProportionateMaps(ctx context.Context, w timeutil.Window, projects []string) (analysis.Maps, error)
}

// Config identifies the shared platform's footprint.
type Config struct {
	// BillingProject is the batch service billing project all shared
	// compute runs under.
	BillingProject string

	// Datasets are the projects whose proportions drive allocation.
	Datasets []string

	// ExportProjects are the cloud projects whose billing export lines are
	// the platform's hosting costs.
	ExportProjects []string

	Engine allocation.Config
}

// Connector allocates shared compute and hosting spend across datasets.
type Connector struct {
	logger   log.FieldLogger
	cfg      Config
	client   BatchClient
	analysis AnalysisClient
	reader   cloudexport.PageReader
	engine   *allocation.Engine
	pipe     *pipeline.Pipeline
	sink     ledgerstore.Sink
}

func New(logger log.FieldLogger, cfg Config, client BatchClient, analysisClient AnalysisClient, reader cloudexport.PageReader, rates allocation.Rates, sink ledgerstore.Sink) *Connector {
	return &Connector{
		logger:   logger.WithField("connector", "sharedcompute"),
		cfg:      cfg,
		client:   client,
		analysis: analysisClient,
		reader:   reader,
		engine:   allocation.New(logger, cfg.Engine, rates),
		pipe:     pipeline.New(logger, client, sink),
		sink:     sink,
	}
}

// SyncCompute allocates every shared batch that completed within w.
func (c *Connector) SyncCompute(ctx context.Context, w timeutil.Window) (int, error) {
	batches, err := c.client.CompletedBatches(ctx, w, c.cfg.BillingProject)
	if err != nil {
		return 0, err
	}
	if len(batches) == 0 {
		c.logger.Infof("no %s batches completed in %s", c.cfg.BillingProject, w)
		return 0, nil
	}
	return c.allocateBatches(ctx, w, batches)
}

// SyncBatchIDs re-allocates specific batches, for backfills and corrections.
func (c *Connector) SyncBatchIDs(ctx context.Context, batchIDs []string) (int, error) {
	var batches []batchapi.Batch
	for _, id := range batchIDs {
		b, err := c.client.GetBatch(ctx, id)
		if err != nil {
			// the run's service account may not see every requested batch
			c.logger.WithError(err).Warnf("skipping unreadable batch %s", id)
			continue
		}
		if b.BillingProject != c.cfg.BillingProject {
			continue
		}
		batches = append(batches, b)
	}
	if len(batches) == 0 {
		return 0, nil
	}
	return c.allocateBatches(ctx, batchWindow(batches), batches)
}

func (c *Connector) allocateBatches(ctx context.Context, w timeutil.Window, batches []batchapi.Batch) (int, error) {
	maps, err := c.analysis.ProportionateMaps(ctx, propMapWindow(w, batches), c.cfg.Datasets)
	if err != nil {
		return 0, err
	}
	c.logger.Infof("allocating %d batches across %d datasets", len(batches), len(c.cfg.Datasets))
	return c.pipe.Run(ctx, batches, c.engine.EntryFunc(maps.SharedCompute))
}

// propMapWindow widens w so the proportion series covers the earliest batch
// creation; a batch can be created well before the completion window it is
// billed in.
func propMapWindow(w timeutil.Window, batches []batchapi.Batch) timeutil.Window {
	out := w
	for _, b := range batches {
		if created, err := timeutil.ParseAPITime(b.TimeCreated); err == nil && created.Before(out.Start) {
			out.Start = created
		}
	}
	return out
}

// batchWindow derives a window spanning the given batches' lifetimes.
func batchWindow(batches []batchapi.Batch) timeutil.Window {
	var w timeutil.Window
	for _, b := range batches {
		if created, err := timeutil.ParseAPITime(b.TimeCreated); err == nil {
			if w.Start.IsZero() || created.Before(w.Start) {
				w.Start = created
			}
		}
		if completed, err := timeutil.ParseAPITime(b.TimeCompleted); err == nil {
			if completed.After(w.End) {
				w.End = completed
			}
		}
	}
	return w
}
