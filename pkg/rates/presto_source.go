package rates

import (
	"fmt"
	"time"

	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// ExportSource reads published conversion rates out of the cloud billing
// export table, which carries a currency_conversion_rate on every line.
type ExportSource struct {
	queryer   db.Queryer
	tableName string
}

func NewExportSource(queryer db.Queryer, tableName string) *ExportSource {
	return &ExportSource{queryer: queryer, tableName: tableName}
}

// RateForDate returns any rate recorded for usage ending on the given day.
// The dt predicate keeps the scan to the partitions adjacent to that day.
func (s *ExportSource) RateForDate(date time.Time) (float64, bool, error) {
	day := date.UTC().Format(timeutil.DateFormat)
	query := fmt.Sprintf(
		"SELECT currency_conversion_rate FROM %s WHERE dt BETWEEN '%s' AND '%s' AND date(usage_end_time) = date '%s' LIMIT 1",
		s.tableName,
		date.UTC().AddDate(0, 0, -1).Format(timeutil.DateFormat),
		date.UTC().AddDate(0, 0, 1).Format(timeutil.DateFormat),
		day,
	)
	rows, err := presto.ExecuteSelect(s.queryer, query)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	rate, ok := rows[0]["currency_conversion_rate"].(float64)
	if !ok {
		return 0, false, fmt.Errorf("unexpected type %T for currency_conversion_rate", rows[0]["currency_conversion_rate"])
	}
	return rate, true, nil
}

var _ Source = (*ExportSource)(nil)
