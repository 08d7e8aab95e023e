// Package batchapi is a client for the compute batch service's REST API,
// covering the completed-batch listing, per-batch job resource pages, and
// single batch lookup used by the usage connectors.
package batchapi

// Batch is one workflow run as reported by the batch service.
type Batch struct {
	ID             int64             `json:"id"`
	BillingProject string            `json:"billing_project"`
	State          string            `json:"state"`
	User           string            `json:"user"`
	TimeCreated    string            `json:"time_created"`
	TimeCompleted  string            `json:"time_completed"`
	NJobs          int               `json:"n_jobs"`
	Cost           float64           `json:"cost"`
	CostBreakdown  []ResourceCost    `json:"cost_breakdown"`
	Attributes     map[string]string `json:"attributes"`
}

// ResourceCost is one line of a batch-level cost breakdown.
type ResourceCost struct {
	Resource string  `json:"resource"`
	Cost     float64 `json:"cost"`
}

// Job is one job's resource usage and cost within a batch. Cost and
// Resources are keyed by resource type.
type Job struct {
	BatchID    int64              `json:"batch_id"`
	JobID      int64              `json:"job_id"`
	State      string             `json:"state"`
	Cost       map[string]float64 `json:"cost"`
	Resources  map[string]float64 `json:"resources"`
	Attributes map[string]string  `json:"attributes"`
}

type batchesPage struct {
	Batches []Batch `json:"batches"`
	// cursor for the next page; absent on the last page
	LastCompletedTimestamp *int64 `json:"last_completed_timestamp"`
}

type jobsPage struct {
	Jobs []Job `json:"jobs"`
	// cursor for the next page; absent on the last page
	LastJobID *int64 `json:"last_job_id"`
}
