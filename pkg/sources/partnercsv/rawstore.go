package partnercsv

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// RawTable is the staging-table surface the connector needs. *RawStore
// implements it against Presto; tests substitute a fake.
type RawTable interface {
	ExistingIDs(start, end time.Time) ([]string, error)
	InsertRows(rows []RawUsage) error
}

// RawStore reads and writes the partner raw-usage staging table.
type RawStore struct {
	logger    log.FieldLogger
	queryer   db.Queryer
	tableName string
}

func NewRawStore(logger log.FieldLogger, queryer db.Queryer, tableName string) *RawStore {
	return &RawStore{
		logger:    logger.WithField("component", "partnerRawStore"),
		queryer:   queryer,
		tableName: tableName,
	}
}

// ExistingIDs returns every staged ID whose usage day falls in [start, end].
// The staging table is small enough to list a window's IDs outright.
func (s *RawStore) ExistingIDs(start, end time.Time) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT id FROM %s WHERE dt BETWEEN '%s' AND '%s'",
		s.tableName,
		start.UTC().Format(timeutil.DateFormat),
		end.UTC().Format(timeutil.DateFormat),
	)
	rows, err := presto.ExecuteSelect(s.queryer, query)
	if err != nil {
		return nil, fmt.Errorf("error querying staged partner IDs: %v", err)
	}
	existing := make([]string, 0, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected type %T for staged id column", row["id"])
		}
		existing = append(existing, id)
	}
	return existing, nil
}

// InsertRows appends raw usage rows to the staging table.
func (s *RawStore) InsertRows(rows []RawUsage) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([]string, len(rows))
	for i, r := range rows {
		values[i] = rawUsageSQLValue(r)
	}
	err := presto.InsertInto(s.queryer, s.tableName, fmt.Sprintf("VALUES %s", strings.Join(values, ",")))
	if err != nil {
		return fmt.Errorf("failed to stage %d rows into %s: %v", len(rows), s.tableName, err)
	}
	return nil
}

func rawUsageSQLValue(r RawUsage) string {
	fields := []string{
		presto.QuoteString(r.ID),
		fmt.Sprintf("timestamp '%s'", presto.Timestamp(r.UsageTimestamp)),
		presto.QuoteString(r.Category),
		presto.QuoteString(r.SKU),
		presto.QuoteString(r.Product),
		presto.QuoteString(r.SubTenantName),
		strconv.FormatFloat(r.Cost, 'f', -1, 64),
		presto.QuoteString(r.Metadata),
		// dt partition key, the usage day
		presto.QuoteString(r.UsageTimestamp.UTC().Format(timeutil.DateFormat)),
	}
	return fmt.Sprintf("(%s)", strings.Join(fields, ","))
}
