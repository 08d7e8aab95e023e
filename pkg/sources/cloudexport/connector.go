package cloudexport

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
	"github.com/costops/ledger-aggregator/pkg/topicmap"
)

// PageReader streams billing export pages. *Reader implements it; tests
// substitute a fake.
type PageReader interface {
	EachPage(ctx context.Context, w timeutil.Window, filter Filter, fn func(rows []ledger.Row) error) error
}

// Config selects which export lines the connector owns.
type Config struct {
	// ExcludedProjects are billed through other connectors and skipped
	// here so their spend isn't counted twice.
	ExcludedProjects []string
}

// Connector attributes raw billing export lines to topics and lands them in
// the ledger. The same export line can validly appear twice in the export;
// the content-hash ID collapses those duplicates deterministically.
type Connector struct {
	logger log.FieldLogger
	cfg    Config
	reader PageReader
	topics *topicmap.Map
	sink   ledgerstore.Sink
}

func New(logger log.FieldLogger, cfg Config, reader PageReader, topics *topicmap.Map, sink ledgerstore.Sink) *Connector {
	return &Connector{
		logger: logger.WithField("connector", "cloudexport"),
		cfg:    cfg,
		reader: reader,
		topics: topics,
		sink:   sink,
	}
}

// Sync lands every export line whose usage ended within w.
func (c *Connector) Sync(ctx context.Context, w timeutil.Window) (int, error) {
	started := time.Now()
	inserted := 0
	err := c.reader.EachPage(ctx, w, Filter{ExcludeProjects: c.cfg.ExcludedProjects}, func(rows []ledger.Row) error {
		for i := range rows {
			rows[i].Topic = c.topicFor(rows[i].Project)
			rows[i].ID = rows[i].ContentHash()
		}
		n, err := c.sink.Upsert(ctx, rows)
		inserted += n
		return err
	})
	if err != nil {
		return inserted, err
	}
	c.logger.Infof("synced %d export rows for %s in %s", inserted, w, time.Since(started))
	return inserted, nil
}

func (c *Connector) topicFor(project *ledger.Project) string {
	if project == nil {
		return topicmap.DefaultTopic
	}
	return c.topics.Topic(project.ID)
}
