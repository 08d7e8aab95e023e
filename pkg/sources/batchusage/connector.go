// Package batchusage bills completed compute batches to the dataset that ran
// them. Every job resource line becomes a ledger row attributed to the
// batch's billing project, balanced by a credit to the shared compute topic.
package batchusage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/ledgerstore"
	"github.com/costops/ledger-aggregator/pkg/sources/pipeline"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// BatchClient is the batch service surface the connector needs.
type BatchClient interface {
	pipeline.JobLister
	CompletedBatches(ctx context.Context, w timeutil.Window, billingProject string) ([]batchapi.Batch, error)
	GetBatch(ctx context.Context, batchID string) (batchapi.Batch, error)
	UIURL(batchID int64) string
}

// Rates resolves the currency conversion rate for a usage time.
type Rates interface {
	Rate(t time.Time) (float64, error)
}

// Config carries the connector's billing identity and attribution rules.
type Config struct {
	// ServiceID tags rows and prefixes SKU and row IDs.
	ServiceID          string
	ServiceDescription string

	// SharedTopic receives the balancing credit for every attributed row.
	SharedTopic   string
	CreditProject *ledger.Project

	// ExcludedProjects are billing projects synced by other connectors.
	ExcludedProjects []string

	// TopicOverrides reroutes specific billing projects, e.g. CI runs are
	// kept on the shared topic.
	TopicOverrides map[string]string

	// KeyCutover is the date from which the resource type joins the row key.
	// Rows before it were written with batch+job keys only and must keep
	// hashing the same way.
	KeyCutover time.Time

	Currency string
	Location *ledger.Location

	// ServiceFee is an additional fraction applied on top of every cost,
	// e.g. 0.05 for a 5% surcharge. Zero disables it.
	ServiceFee float64
}

// Connector syncs completed batches into the ledger.
type Connector struct {
	logger   log.FieldLogger
	cfg      Config
	client   BatchClient
	rates    Rates
	pipe     *pipeline.Pipeline
	excluded map[string]bool
	now      func() time.Time
}

func New(logger log.FieldLogger, cfg Config, client BatchClient, rates Rates, sink ledgerstore.Sink) *Connector {
	excluded := make(map[string]bool, len(cfg.ExcludedProjects))
	for _, p := range cfg.ExcludedProjects {
		excluded[p] = true
	}
	return &Connector{
		logger:   logger.WithField("connector", "batchusage"),
		cfg:      cfg,
		client:   client,
		rates:    rates,
		pipe:     pipeline.New(logger, client, sink),
		excluded: excluded,
		now:      time.Now,
	}
}

// Sync bills every batch that completed within w.
func (c *Connector) Sync(ctx context.Context, w timeutil.Window) (int, error) {
	batches, err := c.client.CompletedBatches(ctx, w, "")
	if err != nil {
		return 0, err
	}
	c.logger.Infof("billing %d batches completed in %s", len(batches), w)
	return c.pipe.Run(ctx, batches, c.rowsForBatch)
}

// SyncBatchIDs re-bills specific batches regardless of completion time, for
// backfills and corrections.
func (c *Connector) SyncBatchIDs(ctx context.Context, batchIDs []string) (int, error) {
	batches := make([]batchapi.Batch, 0, len(batchIDs))
	for _, id := range batchIDs {
		b, err := c.client.GetBatch(ctx, id)
		if err != nil {
			// the run's service account may not see every requested batch
			c.logger.WithError(err).Warnf("skipping unreadable batch %s", id)
			continue
		}
		batches = append(batches, b)
	}
	return c.pipe.Run(ctx, batches, c.rowsForBatch)
}

// rowsForBatch turns one page of a batch's jobs into attributed rows plus
// their shared-topic credits.
func (c *Connector) rowsForBatch(batch batchapi.Batch, jobs []batchapi.Job) ([]ledger.Row, error) {
	if c.excluded[batch.BillingProject] {
		return nil, nil
	}

	start, err := timeutil.ParseAPITime(batch.TimeCreated)
	if err != nil {
		return nil, fmt.Errorf("batch %d has no usable creation time: %v", batch.ID, err)
	}
	end, err := timeutil.ParseAPITime(batch.TimeCompleted)
	if err != nil {
		return nil, fmt.Errorf("batch %d has no usable completion time: %v", batch.ID, err)
	}

	dataset := batch.BillingProject
	if override, ok := c.cfg.TopicOverrides[dataset]; ok {
		dataset = override
	}

	rate, err := c.rates.Rate(start)
	if err != nil {
		return nil, err
	}

	attributes := normalizeAttributes(batch.Attributes)
	batchURL := c.client.UIURL(batch.ID)
	namespace := batch.Namespace()
	exportTime := c.now()

	var rows []ledger.Row
	for _, job := range jobs {
		for _, resource := range sortedResources(job.Cost) {
			if batchapi.IsServiceFeeResource(resource) {
				continue
			}
			rawCost := job.Cost[resource]

			labels := map[string]string{
				"dataset":        dataset,
				"batch_id":       strconv.FormatInt(batch.ID, 10),
				"job_id":         strconv.FormatInt(job.JobID, 10),
				"batch_resource": resource,
				"batch_name":     attributes["name"],
				"url":            batchURL,
				"namespace":      namespace,
			}
			for k, v := range attributes {
				labels[k] = v
			}
			for k, v := range normalizeAttributes(job.Attributes) {
				labels[k] = v
			}
			if name := labels["name"]; name != "" {
				labels["job_name"] = name
				delete(labels, "name")
			}
			// sequencing_groups arrives as a JSON list and is embedded
			// structurally so consumers don't double-decode it
			serialized, err := ledger.SerializeLabels(ledger.SanitizeLabels(labels), "sequencing_groups")
			if err != nil {
				return nil, err
			}

			row := ledger.NewUsageRow(ledger.UsageRowParams{
				Key:            c.rowKey(dataset, batch.ID, job.JobID, resource, start),
				Topic:          dataset,
				Service:        ledger.Service{ID: c.cfg.ServiceID, Description: c.cfg.ServiceDescription},
				SKU:            ledger.SKU{ID: c.cfg.ServiceID + "-" + resource, Description: resource},
				Cost:           decimal.NewFromFloat(rawCost).Mul(decimal.NewFromFloat(rate)).Mul(decimal.NewFromFloat(1 + c.cfg.ServiceFee)),
				Currency:       c.cfg.Currency,
				ConversionRate: rate,
				UsageAmount:    job.Resources[resource],
				UsageUnit:      batchapi.ResourceUnit(resource),
				StartTime:      start,
				EndTime:        end,
				ExportTime:     exportTime,
				Labels:         serialized,
				Location:       c.cfg.Location,
			})
			rows = append(rows, row, ledger.Credit(row, c.cfg.SharedTopic, c.cfg.CreditProject))
		}
	}
	return rows, nil
}

// rowKey builds the deterministic row ID. Slashes in resource types would
// read as path separators downstream, so they become dashes.
func (c *Connector) rowKey(dataset string, batchID, jobID int64, resource string, start time.Time) string {
	components := []string{
		c.cfg.ServiceID, dataset,
		"batch", strconv.FormatInt(batchID, 10),
		"job", strconv.FormatInt(jobID, 10),
	}
	if !start.Before(c.cfg.KeyCutover) {
		components = append(components, resource)
	}
	return strings.ReplaceAll(strings.Join(components, "-"), "/", "-")
}

// normalizeAttributes copies attrs, renaming the run GUID to its canonical
// label and inflating the compressed sequencing-groups attribute.
func normalizeAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	if guid, ok := out["ar_guid"]; ok {
		out["ar-guid"] = guid
		delete(out, "ar_guid")
	}
	if compressed, ok := out["sequencing_groups_gzip"]; ok {
		delete(out, "sequencing_groups_gzip")
		if inflated, err := inflateBase64Gzip(compressed); err == nil {
			out["sequencing_groups"] = inflated
		}
	}
	return out
}

func inflateBase64Gzip(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	inflated, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(inflated), nil
}

func sortedResources(cost map[string]float64) []string {
	resources := make([]string, 0, len(cost))
	for resource := range cost {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}
