package partnercsv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const usageCSV = `Usage_ID,Usage_Timestamp,Category,SKU,Product,Sub_Tenant_Name,Cost,Metadata
9001,3/10/2024 04:30:00,Storage,STOR-STD,Standard Storage,tenant-a,10.5,project:alpha|run:r1
9002,3/10/2024 05:00:00,Compute,COMP-STD,Standard Compute,tenant-b,2,
`

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

func testWindow() timeutil.Window {
	return timeutil.Window{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC),
	}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := NewClient(testLogger(), server.URL+"/tokens", server.URL+"/usage/download", "key-123", "tenant-x")
	c.backoff = time.Millisecond
	return c, server
}

func usageHandler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key-123", r.Header.Get("X-API-Key"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "tenant-x", r.PostForm.Get("tenant"))
		w.Write([]byte(`{"token":"jwt-abc"}`))
	})
	mux.HandleFunc("/usage/download", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer jwt-abc", r.Header.Get("Authorization"))
		assert.Equal(t, "2024-03-10", r.URL.Query().Get("StartDate"))
		assert.Equal(t, "2024-03-11", r.URL.Query().Get("EndDate"))
		w.Write([]byte(usageCSV))
	})
	return mux
}

func TestDownloadUsage(t *testing.T) {
	c, _ := newTestClient(t, usageHandler(t))

	entries, err := c.DownloadUsage(context.Background(), testWindow())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, RawUsage{
		ID:             "partner-9001",
		UsageTimestamp: time.Date(2024, 3, 10, 4, 30, 0, 0, time.UTC),
		Category:       "Storage",
		SKU:            "STOR-STD",
		Product:        "Standard Storage",
		SubTenantName:  "tenant-a",
		Cost:           10.5,
		Metadata:       "project:alpha|run:r1",
	}, entries[0])
	assert.Equal(t, "partner-9002", entries[1].ID)
	assert.Empty(t, entries[1].Metadata)
}

func TestDownloadUsageRetriesTransientErrors(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if tokenCalls < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"token":"jwt-abc"}`))
	})
	mux.HandleFunc("/usage/download", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(usageCSV))
	})
	c, _ := newTestClient(t, mux)

	entries, err := c.DownloadUsage(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, 3, tokenCalls)
	assert.Len(t, entries, 2)
}

func TestDownloadUsageAuthFailureIsNotRetried(t *testing.T) {
	tokenCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/tokens", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	c, _ := newTestClient(t, mux)

	_, err := c.DownloadUsage(context.Background(), testWindow())
	require.Error(t, err)
	assert.Equal(t, 1, tokenCalls)
}

func TestParseUsageCSVMissingColumn(t *testing.T) {
	_, err := parseUsageCSV([]byte("Usage_ID,Category\n1,Storage\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage_timestamp")
}

func TestParseUsageCSVEmpty(t *testing.T) {
	entries, err := parseUsageCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
