package sharedcompute

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/costops/ledger-aggregator/pkg/allocation"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/sources/cloudexport"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// SyncHosting replays the platform's own cloud project export lines as
// allocated ledger rows. Each line books to the product topic with a
// balancing credit, then per-dataset copies carry the proportional spend, so
// the product topic nets to zero and datasets pay for the hosting they use.
func (c *Connector) SyncHosting(ctx context.Context, w timeutil.Window) (int, error) {
	maps, err := c.analysis.ProportionateMaps(ctx, w, c.cfg.Datasets)
	if err != nil {
		return 0, err
	}

	started := time.Now()
	inserted := 0
	err = c.reader.EachPage(ctx, w, cloudexport.Filter{IncludeProjects: c.cfg.ExportProjects}, func(page []ledger.Row) error {
		var out []ledger.Row
		for _, row := range page {
			rows, err := c.hostingRows(maps.Hosting, row)
			if err != nil {
				return err
			}
			out = append(out, rows...)
		}
		n, err := c.sink.Upsert(ctx, out)
		inserted += n
		return err
	})
	if err != nil {
		return inserted, err
	}
	c.logger.Infof("synced %d hosting rows for %s in %s", inserted, w, time.Since(started))
	return inserted, nil
}

func (c *Connector) hostingRows(propMap *allocation.Map, row ledger.Row) ([]ledger.Row, error) {
	cfg := c.cfg.Engine

	labels, err := ledger.ParseLabels(row.Labels)
	if err != nil {
		return nil, err
	}

	ratios, err := c.hostingRatios(propMap, row, labels)
	if err != nil {
		return nil, err
	}

	base := row
	base.Topic = cfg.DefaultTopic
	base.Service.ID = cfg.ServiceID
	base.ID = cfg.ServiceID + "-" + base.Topic + "-" + base.ContentHash()

	out := []ledger.Row{base, ledger.Credit(base, cfg.DefaultTopic, cfg.CreditProject)}
	for _, dataset := range sortedRatioKeys(ratios) {
		ratio := ratios[dataset]

		copied := base
		copied.Topic = dataset
		copied.Cost = base.Cost.Mul(decimal.NewFromFloat(ratio.Fraction))

		dsLabels := make(map[string]string, len(labels)+2)
		for k, v := range labels {
			dsLabels[k] = v
		}
		dsLabels["proportion"] = strconv.FormatFloat(math.Round(ratio.Fraction*100)/100, 'f', -1, 64)
		dsLabels["dataset_size"] = strconv.Itoa(ratio.DatasetSize)
		copied.Labels, err = ledger.SerializeLabels(dsLabels)
		if err != nil {
			return nil, err
		}

		copied.ID = cfg.ServiceID + "-" + dataset + "-" + copied.ContentHash()
		out = append(out, copied)
	}
	return out, nil
}

// hostingRatios picks the ratio table for an export line. A dataset label on
// the line pins the whole cost to that dataset; lines predating the first
// data load belong entirely to the product topic.
func (c *Connector) hostingRatios(propMap *allocation.Map, row ledger.Row, labels map[string]string) (map[string]allocation.Ratio, error) {
	if dataset := labels["dataset"]; dataset != "" {
		return map[string]allocation.Ratio{dataset: {Fraction: 1, DatasetSize: 1}}, nil
	}
	if row.UsageStartTime.Before(c.cfg.Engine.FirstLoad) {
		return map[string]allocation.Ratio{c.cfg.Engine.DefaultTopic: {Fraction: 1, DatasetSize: 1}}, nil
	}
	entry, err := propMap.At(row.UsageEndTime)
	if err != nil {
		return nil, err
	}
	return entry.Ratios, nil
}

func sortedRatioKeys(ratios map[string]allocation.Ratio) []string {
	keys := make([]string, 0, len(ratios))
	for k := range ratios {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
