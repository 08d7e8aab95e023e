package batchusage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costops/ledger-aggregator/pkg/batchapi"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

type fakeBatchClient struct {
	batches []batchapi.Batch
	jobs    map[int64][]batchapi.Job
	byID    map[string]batchapi.Batch
}

func (f *fakeBatchClient) CompletedBatches(_ context.Context, _ timeutil.Window, _ string) ([]batchapi.Batch, error) {
	return f.batches, nil
}

func (f *fakeBatchClient) GetBatch(_ context.Context, batchID string) (batchapi.Batch, error) {
	b, ok := f.byID[batchID]
	if !ok {
		return batchapi.Batch{}, fmt.Errorf("batch %s is not accessible", batchID)
	}
	return b, nil
}

func (f *fakeBatchClient) EachJobPage(_ context.Context, batchID int64, fn func([]batchapi.Job) error) error {
	return fn(f.jobs[batchID])
}

func (f *fakeBatchClient) UIURL(batchID int64) string {
	return "https://batch.example.com/batches/1"
}

type fixedRates struct{ rate float64 }

func (f fixedRates) Rate(time.Time) (float64, error) { return f.rate, nil }

type collectingSink struct {
	mu   sync.Mutex
	rows []ledger.Row
}

func (s *collectingSink) Upsert(_ context.Context, rows []ledger.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return len(rows), nil
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testConfig() Config {
	return Config{
		ServiceID:          "batch",
		ServiceDescription: "Batch compute",
		SharedTopic:        "batch",
		CreditProject:      &ledger.Project{ID: "batch-infra", Name: "batch-infra"},
		ExcludedProjects:   []string{"batch", "shared-analysis"},
		TopicOverrides:     map[string]string{"ci": "batch"},
		KeyCutover:         time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		Currency:           "AUD",
	}
}

func testBatch() batchapi.Batch {
	return batchapi.Batch{
		ID:             42,
		BillingProject: "alpha",
		State:          "success",
		TimeCreated:    "2024-03-10T04:00:00Z",
		TimeCompleted:  "2024-03-10T05:00:00Z",
		NJobs:          1,
		Cost:           1.0,
		Attributes:     map[string]string{"name": "align-reads", "ar_guid": "guid-1"},
	}
}

func TestSyncBillsJobResources(t *testing.T) {
	client := &fakeBatchClient{
		batches: []batchapi.Batch{testBatch()},
		jobs: map[int64][]batchapi.Job{
			42: {{
				BatchID: 42,
				JobID:   1,
				Cost: map[string]float64{
					"compute/n1-preemptible/1": 0.5,
					"service-fee/1":            0.01,
				},
				Resources:  map[string]float64{"compute/n1-preemptible/1": 1800},
				Attributes: map[string]string{"name": "align", "stage": "Align"},
			}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1.5}, sink)
	c.now = func() time.Time { return time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC) }

	w := timeutil.Window{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}
	n, err := c.Sync(context.Background(), w)
	require.NoError(t, err)
	// one resource line (service fee skipped), plus its credit
	assert.Equal(t, 2, n)
	require.Len(t, sink.rows, 2)

	row := sink.rows[0]
	assert.Equal(t, "batch-alpha-batch-42-job-1-compute-n1-preemptible-1", row.ID)
	assert.Equal(t, "alpha", row.Topic)
	assert.Equal(t, "batch-compute/n1-preemptible/1", row.SKU.ID)
	assert.Equal(t, "0.75", row.Cost.String(), "cost is raw cost times conversion rate")
	assert.Equal(t, 1.5, row.CurrencyConversionRate)
	assert.Equal(t, float64(1800), row.Usage.Amount)
	assert.Equal(t, "mcpu * msec", row.Usage.Unit)
	assert.Equal(t, "202403", row.Invoice.Month)

	labels, err := ledger.ParseLabels(row.Labels)
	require.NoError(t, err)
	assert.Equal(t, "alpha", labels["dataset"])
	assert.Equal(t, "42", labels["batch_id"])
	assert.Equal(t, "align", labels["job_name"], "job name attribute is renamed")
	assert.Equal(t, "align-reads", labels["batch_name"])
	assert.Equal(t, "guid-1", labels["ar-guid"])
	assert.NotContains(t, labels, "name")

	credit := sink.rows[1]
	assert.Equal(t, row.ID+"-credit", credit.ID)
	assert.Equal(t, "batch", credit.Topic)
	assert.True(t, credit.Cost.Equal(row.Cost.Neg()))
	assert.Equal(t, "batch-infra", credit.Project.ID)
}

func TestSyncSkipsExcludedProjects(t *testing.T) {
	batch := testBatch()
	batch.BillingProject = "shared-analysis"
	client := &fakeBatchClient{
		batches: []batchapi.Batch{batch},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	n, err := c.Sync(context.Background(), timeutil.Window{End: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, sink.rows)
}

func TestSyncReroutesOverriddenProjects(t *testing.T) {
	batch := testBatch()
	batch.BillingProject = "ci"
	client := &fakeBatchClient{
		batches: []batchapi.Batch{batch},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	_, err := c.Sync(context.Background(), timeutil.Window{End: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, sink.rows)
	assert.Equal(t, "batch", sink.rows[0].Topic, "CI spend stays on the shared topic")
	assert.Contains(t, sink.rows[0].ID, "batch-batch-batch-42")
}

func TestRowKeyBeforeCutoverOmitsResource(t *testing.T) {
	batch := testBatch()
	batch.TimeCreated = "2022-06-01T00:00:00Z"
	batch.TimeCompleted = "2022-06-01T01:00:00Z"
	client := &fakeBatchClient{
		batches: []batchapi.Batch{batch},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	_, err := c.Sync(context.Background(), timeutil.Window{End: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, sink.rows)
	assert.Equal(t, "batch-alpha-batch-42-job-1", sink.rows[0].ID)
}

func TestSyncAppliesServiceFee(t *testing.T) {
	client := &fakeBatchClient{
		batches: []batchapi.Batch{testBatch()},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	cfg := testConfig()
	cfg.ServiceFee = 0.05
	c := New(testLogger(), cfg, client, fixedRates{rate: 2}, sink)

	_, err := c.Sync(context.Background(), timeutil.Window{End: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, sink.rows)
	assert.Equal(t, "1.05", sink.rows[0].Cost.String())
}

func TestSyncBatchIDs(t *testing.T) {
	batch := testBatch()
	client := &fakeBatchClient{
		byID: map[string]batchapi.Batch{"42": batch},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	n, err := c.SyncBatchIDs(context.Background(), []string{"42"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSyncBatchIDsSkipsUnreadableBatches(t *testing.T) {
	client := &fakeBatchClient{
		byID: map[string]batchapi.Batch{"42": testBatch()},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	n, err := c.SyncBatchIDs(context.Background(), []string{"42", "no-access"})
	require.NoError(t, err, "an unreadable batch must not fail the run")
	assert.Equal(t, 2, n)
}

func TestNormalizeAttributesInflatesSequencingGroups(t *testing.T) {
	attrs := map[string]string{
		"sequencing_groups_gzip": gzipB64(t, `["CPG1","CPG2"]`),
	}
	out := normalizeAttributes(attrs)
	assert.NotContains(t, out, "sequencing_groups_gzip")
	assert.Equal(t, `["CPG1","CPG2"]`, out["sequencing_groups"])
}

func TestSyncEmbedsSequencingGroupsAsJSON(t *testing.T) {
	batch := testBatch()
	batch.Attributes["sequencing_groups_gzip"] = gzipB64(t, `["CPG1","CPG2"]`)
	client := &fakeBatchClient{
		batches: []batchapi.Batch{batch},
		jobs: map[int64][]batchapi.Job{
			42: {{JobID: 1, Cost: map[string]float64{"compute/n1-preemptible/1": 0.5}}},
		},
	}
	sink := &collectingSink{}
	c := New(testLogger(), testConfig(), client, fixedRates{rate: 1}, sink)

	_, err := c.Sync(context.Background(), timeutil.Window{End: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, sink.rows)
	assert.Contains(t, sink.rows[0].Labels, `"sequencing_groups":["CPG1","CPG2"]`,
		"the list is embedded structurally, not as a quoted string")
}

func gzipB64(t *testing.T, s string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
