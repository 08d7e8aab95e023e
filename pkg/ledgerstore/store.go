package ledgerstore

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// Warehouse is the query surface Upserter needs. *Store implements it
// against Presto; tests substitute a fake.
type Warehouse interface {
	ExistingIDs(ids []string, start, end time.Time) ([]string, error)
	InsertRows(rows []ledger.Row) error
}

// Store reads and writes the ledger table through a Presto connection.
type Store struct {
	logger    log.FieldLogger
	queryer   db.Queryer
	tableName string
}

func NewStore(logger log.FieldLogger, queryer db.Queryer, tableName string) *Store {
	return &Store{
		logger:    logger.WithField("component", "ledgerStore"),
		queryer:   queryer,
		tableName: tableName,
	}
}

// ExistingIDs returns the subset of ids already present in the ledger table.
// The scan is bounded to the usage-day partitions covering [start, end] so
// the existence check never walks the whole table.
func (s *Store) ExistingIDs(ids []string, start, end time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT id FROM %s WHERE dt BETWEEN '%s' AND '%s' AND id IN (%s)",
		s.tableName,
		start.UTC().Format(timeutil.DateFormat),
		end.UTC().Format(timeutil.DateFormat),
		presto.StringList(ids),
	)
	rows, err := presto.ExecuteSelect(s.queryer, query)
	if err != nil {
		return nil, fmt.Errorf("error querying existing ledger IDs: %v", err)
	}
	existing := make([]string, 0, len(rows))
	for _, row := range rows {
		id, ok := row["id"].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected type %T for ledger id column", row["id"])
		}
		existing = append(existing, id)
	}
	return existing, nil
}

// InsertRows appends rows to the ledger table. Callers are responsible for
// deduplication and chunk sizing.
func (s *Store) InsertRows(rows []ledger.Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := presto.InsertInto(s.queryer, s.tableName, generateLedgerSQLValues(rows))
	if err != nil {
		return fmt.Errorf("failed to store %d rows into %s: %v", len(rows), s.tableName, err)
	}
	return nil
}
