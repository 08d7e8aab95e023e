// Package partnercsv syncs a partner's usage billing into the ledger. The
// partner exposes a token endpoint and a CSV download; rows are staged into a
// raw table first, then normalized into ledger rows, so the original partner
// data survives schema changes in the ledger.
package partnercsv

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultAttempts = 5
	defaultBackoff  = time.Second

	// usageTimeFormat is the US-style timestamp the partner CSV uses.
	usageTimeFormat = "1/2/2006 15:04:05"

	// idPrefix keeps partner row IDs out of the other sources' ID space.
	idPrefix = "partner-"
)

// RawUsage is one partner CSV line, as staged in the raw table.
type RawUsage struct {
	ID             string
	UsageTimestamp time.Time
	Category       string
	SKU            string
	Product        string
	SubTenantName  string
	Cost           float64
	Metadata       string
}

// Client talks to the partner usage API.
type Client struct {
	logger   log.FieldLogger
	tokenURL string
	usageURL string
	apiKey   string
	tenant   string

	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
}

func NewClient(logger log.FieldLogger, tokenURL, usageURL, apiKey, tenant string) *Client {
	return &Client{
		logger:      logger.WithField("component", "partnerAPI"),
		tokenURL:    tokenURL,
		usageURL:    usageURL,
		apiKey:      apiKey,
		tenant:      tenant,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxAttempts: defaultAttempts,
		backoff:     defaultBackoff,
	}
}

// DownloadUsage fetches and parses the usage CSV for w's date range. The API
// has date granularity only; w is truncated to days and the range is
// inclusive of both ends.
func (c *Client) DownloadUsage(ctx context.Context, w timeutil.Window) ([]RawUsage, error) {
	token, err := c.fetchToken(ctx)
	if err != nil {
		return nil, err
	}

	downloadURL := fmt.Sprintf("%s?StartDate=%s&EndDate=%s",
		c.usageURL,
		w.Start.UTC().Format(timeutil.DateFormat),
		w.End.UTC().Format(timeutil.DateFormat))

	var body []byte
	err = c.withRetries(ctx, downloadURL, func() error {
		var err error
		body, err = c.doGet(ctx, downloadURL, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return parseUsageCSV(body)
}

// fetchToken exchanges the API key for a short-lived bearer token.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	var token string
	err := c.withRetries(ctx, c.tokenURL, func() error {
		var err error
		token, err = c.doFetchToken(ctx)
		return err
	})
	return token, err
}

func (c *Client) doFetchToken(ctx context.Context) (string, error) {
	form := url.Values{"tenant": {c.tenant}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var payload struct {
		Token string `json:"token"`
	}
	if err := c.decodeJSONResponse(req, &payload); err != nil {
		return "", err
	}
	if payload.Token == "" {
		return "", fmt.Errorf("partner token endpoint returned no token")
	}
	return payload.Token, nil
}

func (c *Client) doGet(ctx context.Context, fullURL, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/csv")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &statusError{code: resp.StatusCode, url: fullURL, body: string(b)}
	}
	return io.ReadAll(resp.Body)
}

// withRetries runs fn with exponential backoff; 4xx responses are
// configuration problems and fail immediately.
func (c *Client) withRetries(ctx context.Context, url string, fn func() error) error {
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

		err := fn()
		if err == nil {
			return nil
		}
		if statusErr, ok := err.(*statusError); ok && statusErr.code < 500 {
			return err
		}
		lastErr = err
		c.logger.WithError(err).Warnf("transient error calling %s (attempt %d/%d)", url, attempt, c.maxAttempts)
	}
	return fmt.Errorf("giving up on %s after %d attempts: %v", url, c.maxAttempts, lastErr)
}

type statusError struct {
	code int
	url  string
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("partner API returned %d for %s: %s", e.code, e.url, e.body)
}

func (c *Client) decodeJSONResponse(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{code: resp.StatusCode, url: req.URL.String(), body: string(b)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parseUsageCSV decodes the partner CSV. Header names are matched
// case-insensitively; the usage ID gains the source prefix so it can never
// collide with another source's rows.
func parseUsageCSV(data []byte) ([]RawUsage, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unparseable usage CSV: %v", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"usage_id", "usage_timestamp", "cost"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("usage CSV missing required column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	out := make([]RawUsage, 0, len(records)-1)
	for _, record := range records[1:] {
		ts, err := time.ParseInLocation(usageTimeFormat, field(record, "usage_timestamp"), time.UTC)
		if err != nil {
			return nil, fmt.Errorf("bad usage_timestamp in usage CSV: %v", err)
		}
		cost, err := strconv.ParseFloat(field(record, "cost"), 64)
		if err != nil {
			return nil, fmt.Errorf("bad cost in usage CSV: %v", err)
		}
		out = append(out, RawUsage{
			ID:             idPrefix + field(record, "usage_id"),
			UsageTimestamp: ts,
			Category:       field(record, "category"),
			SKU:            field(record, "sku"),
			Product:        field(record, "product"),
			SubTenantName:  field(record, "sub_tenant_name"),
			Cost:           cost,
			Metadata:       field(record, "metadata"),
		})
	}
	return out, nil
}
