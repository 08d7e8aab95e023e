package batchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const (
	// jobPageLimit is the page size for job resource listings.
	jobPageLimit = 9999

	defaultTimeout  = 60 * time.Second
	defaultAttempts = 5
	defaultBackoff  = time.Second
)

// StatusError is a non-2xx response from the batch service. 4xx responses
// indicate a bad request and are never retried.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("batch API returned %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// Transient reports whether retrying the same request could succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode >= 500
}

// Client talks to the batch service. All requests carry the bearer token and
// retry transient failures with exponential backoff before giving up.
type Client struct {
	logger  log.FieldLogger
	baseURL string
	uiURL   string
	token   string

	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
}

// NewClient builds a batch service client. uiURL is the base of the
// human-facing UI; when empty the API base is used instead.
func NewClient(logger log.FieldLogger, baseURL, uiURL, token string) *Client {
	if uiURL == "" {
		uiURL = baseURL
	}
	return &Client{
		logger:      logger.WithField("component", "batchAPI"),
		baseURL:     baseURL,
		uiURL:       uiURL,
		token:       token,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultAttempts,
		backoff:     defaultBackoff,
	}
}

// UIURL returns the human-facing page for a batch, recorded as a row label.
func (c *Client) UIURL(batchID int64) string {
	return fmt.Sprintf("%s/batches/%d", c.uiURL, batchID)
}

// CompletedBatches lists batches whose completion time falls in w, walking
// the completed-batches feed newest first. The feed is ordered by completion
// time, so pagination stops at the first batch completed before w.Start.
// When billingProject is non-empty only that project's batches are returned.
func (c *Client) CompletedBatches(ctx context.Context, w timeutil.Window, billingProject string) ([]Batch, error) {
	var batches []Batch
	cursor := w.End.UnixMilli()
	requests := 0

	for {
		requests++
		u := fmt.Sprintf("%s/api/v1alpha/batches/completed?last_completed_timestamp=%d", c.baseURL, cursor)
		var page batchesPage
		if err := c.getJSON(ctx, u, &page); err != nil {
			return nil, err
		}
		if page.LastCompletedTimestamp != nil && *page.LastCompletedTimestamp == cursor {
			return nil, fmt.Errorf("completed-batches cursor did not advance past %d", cursor)
		}
		if len(page.Batches) == 0 {
			c.logger.Debugf("completed-batches feed exhausted after %d requests", requests)
			return batches, nil
		}

		for _, b := range page.Batches {
			completed, err := timeutil.ParseAPITime(b.TimeCompleted)
			if err != nil {
				return nil, fmt.Errorf("batch %d has unparseable completion time: %v", b.ID, err)
			}
			if billingProject != "" && b.BillingProject != billingProject {
				continue
			}
			if completed.Before(w.Start) {
				c.logger.Debugf("got %d batches in %d requests", len(batches), requests)
				return batches, nil
			}
			if !completed.Before(w.End) {
				continue
			}
			batches = append(batches, b)
		}

		if page.LastCompletedTimestamp == nil {
			return batches, nil
		}
		cursor = *page.LastCompletedTimestamp
	}
}

// EachJobPage fetches the job resource pages for a batch in order, invoking
// fn once per page so callers can flush incrementally instead of holding
// every job in memory.
func (c *Client) EachJobPage(ctx context.Context, batchID int64, fn func(jobs []Job) error) error {
	var lastJobID *int64
	for {
		u := fmt.Sprintf("%s/api/v1alpha/batches/%d/jobs/resources?limit=%d", c.baseURL, batchID, jobPageLimit)
		if lastJobID != nil {
			u += "&last_job_id=" + strconv.FormatInt(*lastJobID, 10)
		}
		var page jobsPage
		if err := c.getJSON(ctx, u, &page); err != nil {
			return err
		}
		if err := fn(page.Jobs); err != nil {
			return err
		}
		if page.LastJobID == nil {
			return nil
		}
		if lastJobID != nil && *page.LastJobID <= *lastJobID {
			return fmt.Errorf("job cursor did not advance for batch %d", batchID)
		}
		lastJobID = page.LastJobID
	}
}

// GetBatch fetches a single batch by ID.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var batch Batch
	u := fmt.Sprintf("%s/api/v1alpha/batches/%s", c.baseURL, url.PathEscape(batchID))
	err := c.getJSON(ctx, u, &batch)
	return batch, err
}

// getJSON performs an authorized GET, retrying transient failures (network
// errors and 5xx responses) with exponential backoff. 4xx responses fail
// immediately.
func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := c.doGetJSON(ctx, url, out)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return err
		}
		lastErr = err
		c.logger.WithError(err).Warnf("transient error getting %s (attempt %d/%d)", url, attempt, c.maxAttempts)
	}
	return fmt.Errorf("giving up on %s after %d attempts: %v", url, c.maxAttempts, lastErr)
}

func (c *Client) doGetJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, URL: url, Body: string(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
