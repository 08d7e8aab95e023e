// Package ledgerstore writes normalized ledger rows into the warehouse with
// content-hash deduplication, chunking large batches to stay under the
// coordinator's statement limits.
package ledgerstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// generateLedgerSQLValues turns rows into a VALUES clause matching the
// ledger table schema. Values are rendered as literals because the presto
// driver doesn't support prepared statement placeholders.
func generateLedgerSQLValues(rows []ledger.Row) string {
	values := make([]string, len(rows))
	for i, row := range rows {
		values[i] = rowSQLValue(row)
	}
	return fmt.Sprintf("VALUES %s", strings.Join(values, ","))
}

func rowSQLValue(r ledger.Row) string {
	fields := []string{
		presto.QuoteString(r.ID),
		presto.QuoteString(r.Topic),
		serviceSQL(r.Service),
		skuSQL(r.SKU),
		timestampSQL(r.UsageStartTime),
		timestampSQL(r.UsageEndTime),
		projectSQL(r.Project),
		nullableStringSQL(r.Labels),
		nullableStringSQL(r.SystemLabels),
		locationSQL(r.Location),
		timestampSQL(r.ExportTime),
		r.Cost.String(),
		presto.QuoteString(r.Currency),
		floatSQL(r.CurrencyConversionRate),
		usageSQL(r.Usage),
		nullableStringSQL(r.Credits),
		invoiceSQL(r.Invoice),
		presto.QuoteString(r.CostType),
		nullableStringSQL(r.AdjustmentInfo),
		// dt partition key, the usage day
		presto.QuoteString(r.UsageStartTime.UTC().Format(timeutil.DateFormat)),
	}
	return fmt.Sprintf("(%s)", strings.Join(fields, ","))
}

func timestampSQL(t time.Time) string {
	return fmt.Sprintf("timestamp '%s'", presto.Timestamp(t))
}

func floatSQL(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func nullableStringSQL(s string) string {
	if s == "" {
		return "NULL"
	}
	return presto.QuoteString(s)
}

func serviceSQL(s ledger.Service) string {
	return fmt.Sprintf("CAST(ROW(%s,%s) AS ROW(id varchar,description varchar))",
		presto.QuoteString(s.ID), presto.QuoteString(s.Description))
}

func skuSQL(s ledger.SKU) string {
	return fmt.Sprintf("CAST(ROW(%s,%s) AS ROW(id varchar,description varchar))",
		presto.QuoteString(s.ID), presto.QuoteString(s.Description))
}

func projectSQL(p *ledger.Project) string {
	if p == nil {
		return "NULL"
	}
	return fmt.Sprintf("CAST(ROW(%s,%s,%s) AS ROW(id varchar,number varchar,name varchar))",
		presto.QuoteString(p.ID), presto.QuoteString(p.Number), presto.QuoteString(p.Name))
}

func locationSQL(l *ledger.Location) string {
	if l == nil {
		return "NULL"
	}
	return fmt.Sprintf("CAST(ROW(%s,%s,%s,%s) AS ROW(location varchar,country varchar,region varchar,zone varchar))",
		presto.QuoteString(l.Location), presto.QuoteString(l.Country),
		presto.QuoteString(l.Region), presto.QuoteString(l.Zone))
}

func usageSQL(u ledger.UsageAmount) string {
	return fmt.Sprintf("CAST(ROW(%s,%s,%s,%s) AS ROW(amount double,unit varchar,amount_in_pricing_units double,pricing_unit varchar))",
		floatSQL(u.Amount), presto.QuoteString(u.Unit),
		floatSQL(u.AmountInPricingUnits), presto.QuoteString(u.PricingUnit))
}

func invoiceSQL(i ledger.Invoice) string {
	return fmt.Sprintf("CAST(ROW(%s) AS ROW(month varchar))", presto.QuoteString(i.Month))
}
