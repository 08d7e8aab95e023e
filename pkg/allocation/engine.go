package allocation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/sources/pipeline"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// jobAttributesIgnore are job attributes that never become row labels: the
// dataset is already a first-class label and sample lists are too large.
var jobAttributesIgnore = map[string]bool{"dataset": true, "samples": true}

// Rates resolves the currency conversion rate for a usage time.
type Rates interface {
	Rate(t time.Time) (float64, error)
}

// Config carries the engine's billing identity and attribution rules.
type Config struct {
	// ServiceID tags rows and prefixes SKU and row IDs.
	ServiceID string

	// Descriptions distinguish dataset-attributed rows from
	// proportionally distributed ones.
	DirectDescription      string
	DistributedDescription string

	// SharedTopic receives the balancing credit for every attributed row.
	SharedTopic   string
	CreditProject *ledger.Project

	// DefaultTopic absorbs all spend before FirstLoad, when no ratios
	// exist yet.
	DefaultTopic string
	FirstLoad    time.Time

	// KeyCutover is the date from which the resource type joins row keys.
	KeyCutover time.Time

	Currency string
	Location *ledger.Location

	// ServiceFee is an additional fraction applied on top of every cost,
	// e.g. 0.05 for a 5% surcharge. Zero disables it.
	ServiceFee float64

	UIURL func(batchID int64) string
}

// Engine turns shared-compute batches into attributed ledger rows: jobs
// tagged with a dataset are billed to it directly, untagged jobs are split
// across datasets by the proportionate map.
type Engine struct {
	logger log.FieldLogger
	cfg    Config
	rates  Rates
	now    func() time.Time
}

func New(logger log.FieldLogger, cfg Config, rates Rates) *Engine {
	return &Engine{
		logger: logger.WithField("component", "allocationEngine"),
		cfg:    cfg,
		rates:  rates,
		now:    time.Now,
	}
}

// EntryFunc binds a proportionate map, producing the transform the batch
// pipeline runs per job page.
func (e *Engine) EntryFunc(propMap *Map) pipeline.EntryFunc {
	return func(batch batchapi.Batch, jobs []batchapi.Job) ([]ledger.Row, error) {
		return e.rowsForBatch(propMap, batch, jobs)
	}
}

type batchContext struct {
	start, end time.Time
	rate       float64
	ratios     map[string]Ratio
	namespace  string
	batchName  string
	arGUID     string
	url        string
	exportTime time.Time
}

func (e *Engine) rowsForBatch(propMap *Map, batch batchapi.Batch, jobs []batchapi.Job) ([]ledger.Row, error) {
	start, err := timeutil.ParseAPITime(batch.TimeCreated)
	if err != nil {
		return nil, fmt.Errorf("batch %d has no usable creation time: %v", batch.ID, err)
	}
	end, err := timeutil.ParseAPITime(batch.TimeCompleted)
	if err != nil {
		return nil, fmt.Errorf("batch %d has no usable completion time: %v", batch.ID, err)
	}

	// before the first data load every cost belongs to the product topic
	var ratios map[string]Ratio
	if start.Before(e.cfg.FirstLoad) {
		ratios = map[string]Ratio{e.cfg.DefaultTopic: {Fraction: 1, DatasetSize: 1}}
	} else {
		entry, err := propMap.At(start)
		if err != nil {
			return nil, err
		}
		ratios = entry.Ratios
	}

	rate, err := e.rates.Rate(start)
	if err != nil {
		return nil, err
	}

	attrs := batch.Attributes
	arGUID := attrs["ar-guid"]
	if arGUID == "" {
		arGUID = attrs["ar_guid"]
	}

	bc := batchContext{
		start:      start,
		end:        end,
		rate:       rate,
		ratios:     ratios,
		namespace:  batch.Namespace(),
		batchName:  attrs["name"],
		arGUID:     arGUID,
		url:        e.cfg.UIURL(batch.ID),
		exportTime: e.now(),
	}

	var rows []ledger.Row
	for _, job := range jobs {
		dataset := strings.Replace(job.Attributes["dataset"], "-test", "", 1)
		if dataset != "" {
			jobRows, err := e.directRows(bc, batch.ID, dataset, job)
			if err != nil {
				return nil, err
			}
			rows = append(rows, jobRows...)
			continue
		}
		jobRows, err := e.distributedRows(bc, batch.ID, job)
		if err != nil {
			return nil, err
		}
		rows = append(rows, jobRows...)
	}
	return rows, nil
}

// directRows bills a dataset-tagged job straight to its dataset.
func (e *Engine) directRows(bc batchContext, batchID int64, dataset string, job batchapi.Job) ([]ledger.Row, error) {
	labels := map[string]string{
		"dataset":    dataset,
		"job_name":   job.Attributes["name"],
		"batch_name": bc.batchName,
		"batch_id":   strconv.FormatInt(batchID, 10),
		"job_id":     strconv.FormatInt(job.JobID, 10),
		"namespace":  bc.namespace,
		"url":        bc.url,
	}
	if bc.arGUID != "" {
		labels["ar-guid"] = bc.arGUID
	}
	mergeJobAttributes(labels, job.Attributes)

	var rows []ledger.Row
	for _, resource := range sortedResources(job.Cost) {
		if batchapi.IsServiceFeeResource(resource) {
			continue
		}
		labels["batch_resource"] = resource
		serialized, err := ledger.SerializeLabels(ledger.SanitizeLabels(labels))
		if err != nil {
			return nil, err
		}

		key := e.rowKey(bc.start, e.cfg.ServiceID, dataset, "batch", strconv.FormatInt(batchID, 10), "job", strconv.FormatInt(job.JobID, 10), resource)
		row := e.usageRow(bc, key, dataset, e.cfg.DirectDescription, resource,
			grossCost(job.Cost[resource], bc.rate, e.cfg.ServiceFee), job.Resources[resource], serialized)
		rows = append(rows, row, ledger.Credit(row, e.cfg.SharedTopic, e.cfg.CreditProject))
	}
	return rows, nil
}

// distributedRows splits an untagged job's cost across the datasets in the
// ratio table.
func (e *Engine) distributedRows(bc batchContext, batchID int64, job batchapi.Job) ([]ledger.Row, error) {
	if len(job.Cost) == 0 {
		return nil, nil
	}

	base := map[string]string{
		"batch_name": bc.batchName,
		"batch_id":   strconv.FormatInt(batchID, 10),
		"job_id":     strconv.FormatInt(job.JobID, 10),
		"namespace":  bc.namespace,
		"url":        bc.url,
	}
	if bc.arGUID != "" {
		base["ar-guid"] = bc.arGUID
	}
	mergeJobAttributes(base, job.Attributes)

	var rows []ledger.Row
	for _, resource := range sortedResources(job.Cost) {
		if batchapi.IsServiceFeeResource(resource) {
			continue
		}
		gross := grossCost(job.Cost[resource], bc.rate, e.cfg.ServiceFee)
		rawUsage := job.Resources[resource]

		for _, dataset := range sortedDatasets(bc.ratios) {
			ratio := bc.ratios[dataset]
			fraction := decimal.NewFromFloat(ratio.Fraction)

			labels := make(map[string]string, len(base)+4)
			for k, v := range base {
				labels[k] = v
			}
			labels["dataset"] = dataset
			labels["batch_resource"] = resource
			labels["fraction"] = strconv.FormatFloat(math.Round(ratio.Fraction*100)/100, 'f', -1, 64)
			labels["dataset_size"] = strconv.Itoa(ratio.DatasetSize)
			serialized, err := ledger.SerializeLabels(ledger.SanitizeLabels(labels))
			if err != nil {
				return nil, err
			}

			key := e.rowKey(bc.start, e.cfg.ServiceID, "distributed", dataset, "batch", strconv.FormatInt(batchID, 10), "job", strconv.FormatInt(job.JobID, 10), resource)
			row := e.usageRow(bc, key, dataset, e.cfg.DistributedDescription, resource,
				gross.Mul(fraction), math.Round(rawUsage*ratio.Fraction), serialized)
			rows = append(rows, row, ledger.Credit(row, e.cfg.SharedTopic, e.cfg.CreditProject))
		}
	}
	return rows, nil
}

func (e *Engine) usageRow(bc batchContext, key, topic, description, resource string, cost decimal.Decimal, usage float64, labels string) ledger.Row {
	return ledger.NewUsageRow(ledger.UsageRowParams{
		Key:            key,
		Topic:          topic,
		Service:        ledger.Service{ID: e.cfg.ServiceID, Description: description},
		SKU:            ledger.SKU{ID: e.cfg.ServiceID + "-" + resource, Description: resource},
		Cost:           cost,
		Currency:       e.cfg.Currency,
		ConversionRate: bc.rate,
		UsageAmount:    usage,
		UsageUnit:      batchapi.ResourceUnit(resource),
		StartTime:      bc.start,
		EndTime:        bc.end,
		ExportTime:     bc.exportTime,
		Labels:         labels,
		Location:       e.cfg.Location,
	})
}

// rowKey joins components into a row ID; the resource type (the final
// component) is only included from the cutover date, matching how earlier
// rows were keyed.
func (e *Engine) rowKey(start time.Time, components ...string) string {
	if start.Before(e.cfg.KeyCutover) {
		components = components[:len(components)-1]
	}
	return strings.ReplaceAll(strings.Join(components, "-"), "/", "-")
}

func grossCost(rawCost, rate, fee float64) decimal.Decimal {
	return decimal.NewFromFloat(rawCost).
		Mul(decimal.NewFromFloat(rate)).
		Mul(decimal.NewFromFloat(1 + fee))
}

func mergeJobAttributes(labels map[string]string, attrs map[string]string) {
	for k, v := range attrs {
		if jobAttributesIgnore[k] {
			continue
		}
		if k == "ar_guid" {
			k = "ar-guid"
		}
		labels[k] = v
	}
}

func sortedResources(cost map[string]float64) []string {
	resources := make([]string, 0, len(cost))
	for resource := range cost {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources
}

func sortedDatasets(ratios map[string]Ratio) []string {
	datasets := make([]string, 0, len(ratios))
	for dataset := range ratios {
		datasets = append(datasets, dataset)
	}
	sort.Strings(datasets)
	return datasets
}
