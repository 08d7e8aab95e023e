package ledger

import "github.com/shopspring/decimal"

// SumCost totals the cost of rows with exact decimal arithmetic.
func SumCost(rows []Row) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rows {
		total = total.Add(r.Cost)
	}
	return total
}
