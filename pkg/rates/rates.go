// Package rates resolves the currency conversion rate applied to a ledger
// row, caching one rate per invoice month.
package rates

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const (
	// monthRolloverAdjustment shifts a usage timestamp before deriving its
	// invoice month. Billing rates are published against a US business day,
	// so usage in the last hours of a UTC month is billed at the next
	// month's rate.
	monthRolloverAdjustment = 22 * time.Hour

	// maxFallbackSteps bounds the walk back through earlier days when no
	// rate is published for the requested one. 15 steps of two days covers
	// a full month of missing publications before giving up.
	maxFallbackSteps = 15
)

// Source looks up the published conversion rate for a single day. The second
// return value reports whether a rate was published for that day at all.
type Source interface {
	RateForDate(date time.Time) (float64, bool, error)
}

// Cache memoizes one conversion rate per invoice month. Safe for concurrent
// use by the connector worker pool.
type Cache struct {
	logger log.FieldLogger
	source Source

	mu      sync.Mutex
	byMonth map[string]float64
}

func NewCache(logger log.FieldLogger, source Source) *Cache {
	return &Cache{
		logger:  logger.WithField("component", "rateCache"),
		source:  source,
		byMonth: make(map[string]float64),
	}
}

// Rate returns the conversion rate for usage at time t. On a cache miss it
// asks the source for t's day and steps back two days at a time, up to
// maxFallbackSteps, until a published rate is found.
func (c *Cache) Rate(t time.Time) (float64, error) {
	adjusted := t.UTC().Add(monthRolloverAdjustment)
	month := timeutil.InvoiceMonth(adjusted)

	c.mu.Lock()
	defer c.mu.Unlock()
	if rate, ok := c.byMonth[month]; ok {
		return rate, nil
	}

	date := adjusted.Truncate(24 * time.Hour)
	for step := 0; step <= maxFallbackSteps; step++ {
		rate, ok, err := c.source.RateForDate(date)
		if err != nil {
			return 0, fmt.Errorf("error looking up conversion rate for %s: %v", date.Format(timeutil.DateFormat), err)
		}
		if ok {
			if step > 0 {
				c.logger.Debugf("no rate published for month %s until %s (%d steps back)", month, date.Format(timeutil.DateFormat), step)
			}
			c.byMonth[month] = rate
			return rate, nil
		}
		date = date.AddDate(0, 0, -2)
	}
	return 0, fmt.Errorf("no conversion rate found for invoice month %s after %d lookups", month, maxFallbackSteps+1)
}
