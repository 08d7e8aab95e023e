package partnercsv

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// Service descriptions by partner usage category.
const (
	storageCategory  = "Storage"
	storageService   = "Cloud Storage"
	defaultService   = "Compute Engine"
	stagingWindowPad = 24 * time.Hour
)

// UsageDownloader fetches partner usage for a window. *Client implements it.
type UsageDownloader interface {
	DownloadUsage(ctx context.Context, w timeutil.Window) ([]RawUsage, error)
}

// Config carries the partner source's billing identity.
type Config struct {
	// Topic all partner spend books to; the partner data carries no
	// per-dataset attribution yet.
	Topic string

	// ConversionRate converts partner credits to Currency. The rate is
	// fixed at credit purchase time, not fetched per run.
	ConversionRate float64

	Currency string
}

// Connector syncs partner usage in two idempotent stages: raw CSV lines are
// staged into the raw table, then normalized into ledger rows and upserted.
type Connector struct {
	logger log.FieldLogger
	cfg    Config
	client UsageDownloader
	raw    RawTable
	sink   ledgerstore.Sink
}

func New(logger log.FieldLogger, cfg Config, client UsageDownloader, raw RawTable, sink ledgerstore.Sink) *Connector {
	return &Connector{
		logger: logger.WithField("connector", "partnercsv"),
		cfg:    cfg,
		client: client,
		raw:    raw,
		sink:   sink,
	}
}

// Sync downloads, stages, and normalizes partner usage for w. The partner API
// is date-granular, so w is widened to whole days.
func (c *Connector) Sync(ctx context.Context, w timeutil.Window) (int, error) {
	dayWindow := timeutil.Window{
		Start: w.Start.UTC().Truncate(24 * time.Hour),
		End:   w.End.UTC().Truncate(24 * time.Hour),
	}

	entries, err := c.client.DownloadUsage(ctx, dayWindow)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		c.logger.Infof("no partner usage for %s", dayWindow)
		return 0, nil
	}

	staged, err := c.stage(dayWindow, entries)
	if err != nil {
		return 0, err
	}
	c.logger.Infof("staged %d of %d partner usage rows", staged, len(entries))

	rows := make([]ledger.Row, len(entries))
	for i, entry := range entries {
		rows[i], err = c.normalize(entry)
		if err != nil {
			return 0, err
		}
	}
	return c.sink.Upsert(ctx, rows)
}

// stage inserts entries not already present in the raw table, padding the
// existence check a day either side so boundary rows aren't restaged.
func (c *Connector) stage(w timeutil.Window, entries []RawUsage) (int, error) {
	existing, err := c.raw.ExistingIDs(w.Start.Add(-stagingWindowPad), w.End.Add(stagingWindowPad))
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	fresh := make([]RawUsage, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.ID]; ok {
			continue
		}
		seen[entry.ID] = struct{}{}
		fresh = append(fresh, entry)
	}
	if err := c.raw.InsertRows(fresh); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// normalize maps one raw partner line onto the ledger row shape. The raw ID
// is carried through so both tables key the same line identically.
func (c *Connector) normalize(entry RawUsage) (ledger.Row, error) {
	labels, err := serializeMetadata(entry.Metadata)
	if err != nil {
		return ledger.Row{}, err
	}
	ts := entry.UsageTimestamp.UTC()
	return ledger.Row{
		ID:             entry.ID,
		Topic:          c.cfg.Topic,
		Service:        ledger.Service{ID: entry.SKU, Description: serviceDescription(entry.Category)},
		SKU:            ledger.SKU{ID: entry.SKU, Description: entry.Product},
		UsageStartTime: ts,
		UsageEndTime:   ts,
		ExportTime:     ts,
		Labels:         labels,
		Cost:           decimal.NewFromFloat(entry.Cost).Mul(decimal.NewFromFloat(c.cfg.ConversionRate)),
		Currency:       c.cfg.Currency,
		Invoice:        ledger.Invoice{Month: timeutil.InvoiceMonth(ts)},
		CostType:       ledger.CostTypeRegular,
	}, nil
}

func serviceDescription(category string) string {
	if category == storageCategory {
		return storageService
	}
	return defaultService
}

// serializeMetadata parses the partner's "key:value|key:value" metadata
// encoding into the canonical label form. Values may themselves contain
// colons; only the first one splits.
func serializeMetadata(metadata string) (string, error) {
	if metadata == "" {
		return "", nil
	}
	labels := map[string]string{}
	for _, pair := range strings.Split(metadata, "|") {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		labels[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return ledger.SerializeLabels(labels)
}
