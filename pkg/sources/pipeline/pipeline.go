// Package pipeline drives the fetch-transform-store loop shared by the
// batch-derived connectors: job pages are fetched concurrently for a group
// of batches, transformed into ledger rows, and flushed to the sink
// incrementally so a large window never holds every row in memory.
package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
)

const (
	// defaultGroupSize bounds how many batches have their job pages fetched
	// concurrently.
	defaultGroupSize = 5

	// flushRowThreshold is how many pending rows trigger an early flush to
	// the sink.
	flushRowThreshold = 200000

	// Batches with more jobs than these limits are billed from the
	// batch-level cost breakdown instead of per job; fetching millions of
	// job pages for one batch starves every other sync. Unnamed batches are
	// interactive query traffic and get the lower limit.
	unnamedBatchJobLimit = 9000
	namedBatchJobLimit   = 50000
)

// collapsedJobName marks a synthetic job standing in for a batch's full job
// list.
const collapsedJobName = "ALL JOBS COMBINED"

// JobLister fetches job resource pages for a batch. *batchapi.Client
// implements it.
type JobLister interface {
	EachJobPage(ctx context.Context, batchID int64, fn func(jobs []batchapi.Job) error) error
}

// EntryFunc transforms one batch and a page of its jobs into ledger rows.
type EntryFunc func(batch batchapi.Batch, jobs []batchapi.Job) ([]ledger.Row, error)

type item struct {
	batch batchapi.Batch
	jobs  []batchapi.Job
}

// Pipeline fans out job fetches for groups of batches and funnels the
// resulting rows into a sink.
type Pipeline struct {
	logger    log.FieldLogger
	client    JobLister
	sink      ledgerstore.Sink
	groupSize int
	flushRows int
}

func New(logger log.FieldLogger, client JobLister, sink ledgerstore.Sink) *Pipeline {
	return &Pipeline{
		logger:    logger.WithField("component", "batchPipeline"),
		client:    client,
		sink:      sink,
		groupSize: defaultGroupSize,
		flushRows: flushRowThreshold,
	}
}

// Run processes batches in groups, returning the total number of rows the
// sink reported inserted. Rows are flushed as they accumulate; on error the
// count reflects what was committed before the failure.
func (p *Pipeline) Run(ctx context.Context, batches []batchapi.Batch, entryFn EntryFunc) (int, error) {
	inserted := 0
	for start := 0; start < len(batches); start += p.groupSize {
		end := start + p.groupSize
		if end > len(batches) {
			end = len(batches)
		}
		group := batches[start:end]
		p.logger.Debugf("processing batches %d-%d of %d", start, end, len(batches))

		n, err := p.runGroup(ctx, group, entryFn)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (p *Pipeline) runGroup(ctx context.Context, group []batchapi.Batch, entryFn EntryFunc) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan item)

	inserted := 0
	g.Go(func() error {
		var pending []ledger.Row
		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			n, err := p.sink.Upsert(gctx, pending)
			inserted += n
			pending = pending[:0]
			return err
		}
		for it := range items {
			if len(it.jobs) == 0 {
				continue
			}
			rows, err := entryFn(it.batch, it.jobs)
			if err != nil {
				return err
			}
			pending = append(pending, rows...)
			if len(pending) >= p.flushRows {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	producers, pctx := errgroup.WithContext(gctx)
	for _, b := range group {
		b := b
		producers.Go(func() error {
			return p.queueJobs(pctx, b, items)
		})
	}
	g.Go(func() error {
		defer close(items)
		return producers.Wait()
	})

	err := g.Wait()
	return inserted, err
}

// queueJobs emits (batch, jobs) items for one batch. Zero-cost batches get a
// single synthetic job so the batch is still recorded; batches over the job
// limits are collapsed into one job carrying the batch-level cost breakdown.
func (p *Pipeline) queueJobs(ctx context.Context, batch batchapi.Batch, items chan<- item) error {
	send := func(jobs []batchapi.Job) error {
		select {
		case items <- item{batch: batch, jobs: jobs}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if batch.Cost == 0 {
		return send([]batchapi.Job{{
			BatchID: batch.ID,
			JobID:   int64(batch.NJobs),
			State:   batch.State,
			// one zero-cost line so the batch produces a row
			Cost:       map[string]float64{" ": 0},
			Resources:  map[string]float64{},
			Attributes: map[string]string{},
		}})
	}

	name := batch.Attributes["name"]
	if (name == "" && batch.NJobs > unnamedBatchJobLimit) || (name != "" && batch.NJobs > namedBatchJobLimit) {
		p.logger.Infof("batch %d has %d jobs, collapsing to its cost breakdown", batch.ID, batch.NJobs)
		cost := make(map[string]float64, len(batch.CostBreakdown))
		for _, rec := range batch.CostBreakdown {
			cost[rec.Resource] = rec.Cost
		}
		return send([]batchapi.Job{{
			BatchID:    batch.ID,
			JobID:      int64(batch.NJobs),
			State:      batch.State,
			Cost:       cost,
			Resources:  map[string]float64{},
			Attributes: map[string]string{"name": collapsedJobName},
		}})
	}

	return p.client.EachJobPage(ctx, batch.ID, func(jobs []batchapi.Job) error {
		if len(jobs) == 0 {
			return nil
		}
		return send(jobs)
	})
}
