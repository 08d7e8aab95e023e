package sharedcompute

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costops/ledger-aggregator/pkg/allocation"
	"github.com/costops/ledger-aggregator/pkg/analysis"
	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/sources/cloudexport"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

type fakeBatchClient struct {
	batches []batchapi.Batch
	jobs    map[int64][]batchapi.Job
}

func (f *fakeBatchClient) CompletedBatches(_ context.Context, _ timeutil.Window, billingProject string) ([]batchapi.Batch, error) {
	var out []batchapi.Batch
	for _, b := range f.batches {
		if b.BillingProject == billingProject {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBatchClient) GetBatch(_ context.Context, batchID string) (batchapi.Batch, error) {
	for _, b := range f.batches {
		if fmt.Sprintf("%d", b.ID) == batchID {
			return b, nil
		}
	}
	return batchapi.Batch{}, fmt.Errorf("batch %s not found", batchID)
}

func (f *fakeBatchClient) EachJobPage(_ context.Context, batchID int64, fn func(jobs []batchapi.Job) error) error {
	return fn(f.jobs[batchID])
}

type fakeAnalysis struct {
	maps   analysis.Maps
	window timeutil.Window
}

func (f *fakeAnalysis) ProportionateMaps(_ context.Context, w timeutil.Window, _ []string) (analysis.Maps, error) {
	f.window = w
	return f.maps, nil
}

type fixedRates struct{ rate float64 }

func (r fixedRates) Rate(time.Time) (float64, error) { return r.rate, nil }

type collectingSink struct {
	rows []ledger.Row
}

func (s *collectingSink) Upsert(_ context.Context, rows []ledger.Row) (int, error) {
	s.rows = append(s.rows, rows...)
	return len(rows), nil
}

type fakeReader struct {
	pages  [][]ledger.Row
	filter cloudexport.Filter
}

func (f *fakeReader) EachPage(_ context.Context, _ timeutil.Window, filter cloudexport.Filter, fn func([]ledger.Row) error) error {
	f.filter = filter
	for _, page := range f.pages {
		copied := make([]ledger.Row, len(page))
		copy(copied, page)
		if err := fn(copied); err != nil {
			return err
		}
	}
	return nil
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testConfig() Config {
	return Config{
		BillingProject: "seqr",
		Datasets:       []string{"alpha", "beta"},
		ExportProjects: []string{"seqr-prod", "es-prod"},
		Engine: allocation.Config{
			ServiceID:              "seqr",
			DirectDescription:      "dataset compute",
			DistributedDescription: "distributed compute",
			SharedTopic:            "batch",
			CreditProject:          &ledger.Project{ID: "shared-infra", Name: "shared-infra"},
			DefaultTopic:           "seqr",
			FirstLoad:              time.Date(2021, 9, 1, 0, 0, 0, 0, time.UTC),
			KeyCutover:             time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
			Currency:               "AUD",
			UIURL:                  func(id int64) string { return fmt.Sprintf("https://batch.test/batches/%d", id) },
		},
	}
}

func testMaps() analysis.Maps {
	entries := []allocation.Entry{{
		Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Ratios: map[string]allocation.Ratio{
			"alpha": {Fraction: 0.7, DatasetSize: 100},
			"beta":  {Fraction: 0.3, DatasetSize: 50},
		},
	}}
	return analysis.Maps{
		Hosting:       allocation.NewMap(entries),
		SharedCompute: allocation.NewMap(entries),
	}
}

func computeWindow() timeutil.Window {
	return timeutil.Window{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}
}

func TestSyncComputeAllocatesAcrossDatasets(t *testing.T) {
	client := &fakeBatchClient{
		batches: []batchapi.Batch{{
			ID:             42,
			BillingProject: "seqr",
			Cost:           2.0,
			NJobs:          1,
			TimeCreated:    "2024-03-10T04:00:00Z",
			TimeCompleted:  "2024-03-10T05:00:00Z",
			Attributes:     map[string]string{"name": "joint-call"},
		}},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 2.0}, Resources: map[string]float64{"compute/n1-preemptible/1": 1000}}},
		},
	}
	analysisClient := &fakeAnalysis{maps: testMaps()}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, analysisClient, &fakeReader{}, fixedRates{rate: 1.0}, sink)

	n, err := c.SyncCompute(context.Background(), computeWindow())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one row and one credit per dataset")
	require.Len(t, sink.rows, 4)

	topics := make(map[string]int)
	for _, row := range sink.rows {
		topics[row.Topic]++
	}
	assert.Equal(t, map[string]int{"alpha": 1, "beta": 1, "batch": 2}, topics)
	assert.True(t, ledger.SumCost(sink.rows).IsZero(), "credits balance the allocated spend")
}

func TestSyncComputeWidensProportionWindow(t *testing.T) {
	// the batch was created before the sync window opened; the proportion
	// series has to reach back to its creation
	client := &fakeBatchClient{
		batches: []batchapi.Batch{{
			ID:             42,
			BillingProject: "seqr",
			TimeCreated:    "2024-03-08T04:00:00Z",
			TimeCompleted:  "2024-03-10T05:00:00Z",
		}},
		jobs: map[int64][]batchapi.Job{},
	}
	analysisClient := &fakeAnalysis{maps: testMaps()}
	c := New(testLogger(), testConfig(), client, analysisClient, &fakeReader{}, fixedRates{rate: 1.0}, &collectingSink{})

	w := computeWindow()
	_, err := c.SyncCompute(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 8, 4, 0, 0, 0, time.UTC), analysisClient.window.Start)
	assert.Equal(t, w.End, analysisClient.window.End)
}

func TestSyncComputeNoBatches(t *testing.T) {
	analysisClient := &fakeAnalysis{maps: testMaps()}
	c := New(testLogger(), testConfig(), &fakeBatchClient{}, analysisClient, &fakeReader{}, fixedRates{rate: 1.0}, &collectingSink{})

	n, err := c.SyncCompute(context.Background(), computeWindow())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, analysisClient.window.End.IsZero(), "no proportion fetch without batches")
}

func TestSyncBatchIDsSkipsForeignBillingProjects(t *testing.T) {
	client := &fakeBatchClient{
		batches: []batchapi.Batch{
			{
				ID:             42,
				BillingProject: "seqr",
				Cost:           1.0,
				NJobs:          1,
				TimeCreated:    "2024-03-10T04:00:00Z",
				TimeCompleted:  "2024-03-10T05:00:00Z",
			},
			{ID: 43, BillingProject: "other", TimeCreated: "2024-03-10T04:00:00Z", TimeCompleted: "2024-03-10T05:00:00Z"},
		},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 1.0}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, &fakeAnalysis{maps: testMaps()}, &fakeReader{}, fixedRates{rate: 1.0}, sink)

	n, err := c.SyncBatchIDs(context.Background(), []string{"42", "43"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for _, row := range sink.rows {
		labels, err := ledger.ParseLabels(row.Labels)
		require.NoError(t, err)
		assert.Equal(t, "42", labels["batch_id"])
	}
}

func TestSyncBatchIDsSkipsUnreadableBatches(t *testing.T) {
	client := &fakeBatchClient{
		batches: []batchapi.Batch{{
			ID:             42,
			BillingProject: "seqr",
			Cost:           1.0,
			NJobs:          1,
			TimeCreated:    "2024-03-10T04:00:00Z",
			TimeCompleted:  "2024-03-10T05:00:00Z",
		}},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 1.0}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, &fakeAnalysis{maps: testMaps()}, &fakeReader{}, fixedRates{rate: 1.0}, sink)

	n, err := c.SyncBatchIDs(context.Background(), []string{"42", "999"})
	require.NoError(t, err, "an unreadable batch must not fail the run")
	assert.Equal(t, 4, n)
}

func hostingExportRow(cost string, labels string) ledger.Row {
	start := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	return ledger.Row{
		Service:        ledger.Service{ID: "6F81-5844-456A", Description: "Compute Engine"},
		SKU:            ledger.SKU{ID: "2E27-4F75-95CD", Description: "N1 Predefined Instance Core"},
		UsageStartTime: start,
		UsageEndTime:   start.Add(time.Hour),
		Project:        &ledger.Project{ID: "es-prod", Name: "es-prod"},
		Labels:         labels,
		ExportTime:     start.Add(6 * time.Hour),
		Cost:           decimal.RequireFromString(cost),
		Currency:       "AUD",
		CostType:       ledger.CostTypeRegular,
	}
}

func TestSyncHostingDistributesAcrossDatasets(t *testing.T) {
	reader := &fakeReader{pages: [][]ledger.Row{{hostingExportRow("2", "{}")}}}
	sink := &collectingSink{}
	cfg := testConfig()
	c := New(testLogger(), cfg, &fakeBatchClient{}, &fakeAnalysis{maps: testMaps()}, reader, fixedRates{rate: 1.0}, sink)

	n, err := c.SyncHosting(context.Background(), computeWindow())
	require.NoError(t, err)
	assert.Equal(t, 4, n, "base row, credit, and one copy per dataset")
	require.Len(t, sink.rows, 4)

	assert.Equal(t, cfg.ExportProjects, reader.filter.IncludeProjects)

	base, credit, alpha, beta := sink.rows[0], sink.rows[1], sink.rows[2], sink.rows[3]

	assert.Equal(t, "seqr", base.Topic)
	assert.Equal(t, "seqr", base.Service.ID)
	assert.Equal(t, "Compute Engine", base.Service.Description)
	assert.Equal(t, "seqr-seqr-"+base.ContentHash(), base.ID)
	assert.Equal(t, "2", base.Cost.String())

	assert.Equal(t, "seqr", credit.Topic)
	assert.Equal(t, "-2", credit.Cost.String())
	assert.Equal(t, "shared-infra", credit.Project.ID)

	assert.Equal(t, "alpha", alpha.Topic)
	assert.Equal(t, "1.4", alpha.Cost.String())
	assert.Equal(t, "seqr-alpha-"+alpha.ContentHash(), alpha.ID)
	alphaLabels, err := ledger.ParseLabels(alpha.Labels)
	require.NoError(t, err)
	assert.Equal(t, "0.7", alphaLabels["proportion"])
	assert.Equal(t, "100", alphaLabels["dataset_size"])

	assert.Equal(t, "beta", beta.Topic)
	assert.Equal(t, "0.6", beta.Cost.String())
	betaLabels, err := ledger.ParseLabels(beta.Labels)
	require.NoError(t, err)
	assert.Equal(t, "0.3", betaLabels["proportion"])
	assert.Equal(t, "50", betaLabels["dataset_size"])

	assert.True(t, ledger.SumCost(sink.rows[:2]).IsZero(), "the product topic nets to zero")
	assert.Equal(t, "2", ledger.SumCost(sink.rows[2:]).String(), "datasets carry the full hosting cost")
}

func TestSyncHostingDatasetLabelPinsCost(t *testing.T) {
	reader := &fakeReader{pages: [][]ledger.Row{{hostingExportRow("3", `{"dataset":"gamma"}`)}}}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), &fakeBatchClient{}, &fakeAnalysis{maps: testMaps()}, reader, fixedRates{rate: 1.0}, sink)

	_, err := c.SyncHosting(context.Background(), computeWindow())
	require.NoError(t, err)
	require.Len(t, sink.rows, 3)
	assert.Equal(t, "gamma", sink.rows[2].Topic)
	assert.Equal(t, "3", sink.rows[2].Cost.String())
}

func TestSyncHostingBeforeFirstLoad(t *testing.T) {
	row := hostingExportRow("5", "{}")
	row.UsageStartTime = time.Date(2021, 5, 1, 0, 0, 0, 0, time.UTC)
	row.UsageEndTime = row.UsageStartTime.Add(time.Hour)
	reader := &fakeReader{pages: [][]ledger.Row{{row}}}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), &fakeBatchClient{}, &fakeAnalysis{maps: testMaps()}, reader, fixedRates{rate: 1.0}, sink)

	_, err := c.SyncHosting(context.Background(), computeWindow())
	require.NoError(t, err)
	require.Len(t, sink.rows, 3)
	assert.Equal(t, "seqr", sink.rows[2].Topic, "pre-first-load usage stays on the product topic")
	assert.Equal(t, "5", sink.rows[2].Cost.String())
}

func TestSyncHostingUnknownDateFails(t *testing.T) {
	row := hostingExportRow("1", "{}")
	row.UsageStartTime = time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	row.UsageEndTime = row.UsageStartTime.Add(time.Hour)
	reader := &fakeReader{pages: [][]ledger.Row{{row}}}
	c := New(testLogger(), testConfig(), &fakeBatchClient{}, &fakeAnalysis{maps: testMaps()}, reader, fixedRates{rate: 1.0}, &collectingSink{})

	_, err := c.SyncHosting(context.Background(), computeWindow())
	require.Error(t, err)
	assert.ErrorIs(t, err, allocation.ErrNoRatioForDate)
}
