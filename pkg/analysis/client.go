// Package analysis is a client for the sample-metadata service, used to
// fetch the per-day dataset proportions that drive shared-cost allocation.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/allocation"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// Temporal methods select which per-dataset date series the service derives
// proportions from.
const (
	// TemporalMethodSampleCreate proportions by when samples were created,
	// used for shared computation costs.
	TemporalMethodSampleCreate = "SAMPLE_CREATE_DATE"
	// TemporalMethodESIndex proportions by when search indexes were
	// published, used for hosting costs.
	TemporalMethodESIndex = "ES_INDEX_DATE"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultAttempts = 5
	defaultBackoff  = time.Second
)

// Client talks to the sample-metadata service.
type Client struct {
	logger  log.FieldLogger
	baseURL string
	token   string

	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
}

func NewClient(logger log.FieldLogger, baseURL, token string) *Client {
	return &Client{
		logger:      logger.WithField("component", "analysisAPI"),
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultAttempts,
		backoff:     defaultBackoff,
	}
}

type proportionateMapRequest struct {
	Projects        []string `json:"projects"`
	TemporalMethods []string `json:"temporal_methods"`
	SequencingTypes []string `json:"sequencing_types"`
}

type datedProportions struct {
	Date     string `json:"date"`
	Projects []struct {
		Project    string  `json:"project"`
		Percentage float64 `json:"percentage"`
		Size       int     `json:"size"`
	} `json:"projects"`
}

// Maps holds one allocation map per temporal method.
type Maps struct {
	// Hosting proportions storage and hosting spend (index publication).
	Hosting *allocation.Map
	// SharedCompute proportions joint computation spend (sample creation).
	SharedCompute *allocation.Map
}

// ProportionateMaps fetches the dataset proportion series covering w for the
// given projects.
func (c *Client) ProportionateMaps(ctx context.Context, w timeutil.Window, projects []string) (Maps, error) {
	body, err := json.Marshal(proportionateMapRequest{
		Projects:        projects,
		TemporalMethods: []string{TemporalMethodSampleCreate, TemporalMethodESIndex},
		SequencingTypes: []string{},
	})
	if err != nil {
		return Maps{}, err
	}

	url := fmt.Sprintf("%s/api/v1/analysis/proportionate-map?start=%s&end=%s",
		c.baseURL,
		w.Start.UTC().Format(timeutil.DateFormat),
		w.End.UTC().Format(timeutil.DateFormat))

	var result map[string][]datedProportions
	if err := c.postJSON(ctx, url, body, &result); err != nil {
		return Maps{}, err
	}

	hosting, err := toAllocationMap(result[TemporalMethodESIndex])
	if err != nil {
		return Maps{}, fmt.Errorf("bad %s series: %v", TemporalMethodESIndex, err)
	}
	sharedCompute, err := toAllocationMap(result[TemporalMethodSampleCreate])
	if err != nil {
		return Maps{}, fmt.Errorf("bad %s series: %v", TemporalMethodSampleCreate, err)
	}
	return Maps{Hosting: hosting, SharedCompute: sharedCompute}, nil
}

func toAllocationMap(series []datedProportions) (*allocation.Map, error) {
	entries := make([]allocation.Entry, 0, len(series))
	for _, obj := range series {
		date, err := time.Parse(timeutil.DateFormat, obj.Date)
		if err != nil {
			return nil, fmt.Errorf("unparseable date %q: %v", obj.Date, err)
		}
		ratios := make(map[string]allocation.Ratio, len(obj.Projects))
		for _, p := range obj.Projects {
			ratios[p.Project] = allocation.Ratio{Fraction: p.Percentage, DatasetSize: p.Size}
		}
		entries = append(entries, allocation.Entry{Date: date, Ratios: ratios})
	}
	return allocation.NewMap(entries), nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
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

		err := c.doPostJSON(ctx, url, body, out)
		if err == nil {
			return nil
		}
		if statusErr, ok := err.(*statusError); ok && statusErr.code < 500 {
			return err
		}
		lastErr = err
		c.logger.WithError(err).Warnf("transient error posting to %s (attempt %d/%d)", url, attempt, c.maxAttempts)
	}
	return fmt.Errorf("giving up on %s after %d attempts: %v", url, c.maxAttempts, lastErr)
}

type statusError struct {
	code int
	url  string
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("analysis API returned %d for %s: %s", e.code, e.url, e.body)
}

func (c *Client) doPostJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, url: url, body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
