package presto

import (
	"fmt"
	"strings"
	"time"

	_ "github.com/prestodb/presto-go-client/presto"

	"github.com/costops/ledger-aggregator/pkg/db"
)

const (
	// TimestampFormat is the time format string used to produce Presto timestamps.
	TimestampFormat = "2006-01-02 15:04:05.000"
)

func FormatInsertQuery(target, query string) string {
	return fmt.Sprintf("INSERT INTO %s %s", target, query)
}

// InsertInto performs an INSERT of the given VALUES clause into the table
// target. It's expected target has the correct schema.
func InsertInto(queryer db.Queryer, target, values string) error {
	return ExecuteQuery(queryer, FormatInsertQuery(target, values))
}

func ExecuteQuery(queryer db.Queryer, query string) error {
	rows, err := queryer.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	// Must call rows.Next() in order for errors to be populated correctly
	// because Query() only submits the query, and doesn't handle
	// success/failure. Next() is the method which inspects the submitted
	// queries status and causes errors to get stored in the sql.Rows object.
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("presto SQL error: %v", err)
	}
	return nil
}

type Row map[string]interface{}

// ExecuteSelect performs the query and materializes every result row into a
// map keyed by column name. Use Queryer.Query directly when the result set
// must be streamed instead.
func ExecuteSelect(queryer db.Queryer, query string) ([]Row, error) {
	rows, err := queryer.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []Row
	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}

		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		m := make(map[string]interface{})
		for i, colName := range cols {
			val := columnPointers[i].(*interface{})
			m[colName] = *val
		}
		results = append(results, Row(m))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// Timestamp formats t as a Presto timestamp literal body.
func Timestamp(date time.Time) string {
	return date.UTC().Format(TimestampFormat)
}

// QuoteString escapes s for embedding in a single-quoted Presto string
// literal.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// StringList renders vals as a comma separated list of quoted string
// literals, for use in IN (...) clauses.
func StringList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = QuoteString(v)
	}
	return strings.Join(quoted, ",")
}
