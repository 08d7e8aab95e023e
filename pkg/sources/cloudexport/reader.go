// Package cloudexport syncs the cloud billing export into the ledger:
// export lines get a deterministic content-hash ID and a topic resolved from
// the owning project, and land in the aggregate table deduplicated.
package cloudexport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/costops/ledger-aggregator/pkg/db"
	"github.com/costops/ledger-aggregator/pkg/ledger"
	"github.com/costops/ledger-aggregator/pkg/presto"
	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

const (
	// partitionPadDays widens the export-time partition predicate around
	// the usage window. Lines can be exported up to two months after the
	// usage they describe; the pad keeps the scan bounded without losing
	// late lines.
	partitionPadDays = 60

	defaultPageSize = 10000
)

// Filter selects which projects' export lines a read covers. Include and
// Exclude are mutually exclusive; leaving both empty reads everything.
type Filter struct {
	IncludeProjects []string
	ExcludeProjects []string
}

// Reader streams billing export lines out of the warehouse in pages.
type Reader struct {
	logger    log.FieldLogger
	queryer   db.Queryer
	tableName string
	pageSize  int
}

func NewReader(logger log.FieldLogger, queryer db.Queryer, tableName string) *Reader {
	return &Reader{
		logger:    logger.WithField("component", "exportReader"),
		queryer:   queryer,
		tableName: tableName,
		pageSize:  defaultPageSize,
	}
}

// EachPage streams export lines whose usage ended within w, invoking fn per
// page. Rows come back as ledger rows with empty ID and Topic; attribution
// is the caller's job.
func (r *Reader) EachPage(ctx context.Context, w timeutil.Window, filter Filter, fn func(rows []ledger.Row) error) error {
	rows, err := r.queryer.Query(r.buildQuery(w, filter))
	if err != nil {
		return fmt.Errorf("error querying billing export: %v", err)
	}
	defer rows.Close()

	page := make([]ledger.Row, 0, r.pageSize)
	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		row, err := scanExportRow(rows)
		if err != nil {
			return err
		}
		page = append(page, row)
		if len(page) >= r.pageSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]ledger.Row, 0, r.pageSize)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error reading billing export: %v", err)
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

func (r *Reader) buildQuery(w timeutil.Window, filter Filter) string {
	startDay := w.Start.UTC().Format(timeutil.DateFormat)
	endDay := w.End.UTC().Format(timeutil.DateFormat)

	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT
	service.id, service.description,
	sku.id, sku.description,
	usage_start_time, usage_end_time,
	project.id, project.number, project.name,
	labels, system_labels,
	location.location, location.country, location.region, location.zone,
	export_time, cost, currency, currency_conversion_rate,
	usage.amount, usage.unit, usage.amount_in_pricing_units, usage.pricing_unit,
	credits, invoice.month, cost_type, adjustment_info
FROM %s
WHERE date(usage_end_time) BETWEEN date '%s' AND date '%s'
AND dt BETWEEN '%s' AND '%s'`,
		r.tableName,
		startDay, endDay,
		w.Start.UTC().AddDate(0, 0, -partitionPadDays).Format(timeutil.DateFormat),
		w.End.UTC().AddDate(0, 0, partitionPadDays).Format(timeutil.DateFormat),
	)
	if len(filter.IncludeProjects) > 0 {
		fmt.Fprintf(&sb, "\nAND project.id IN (%s)", presto.StringList(filter.IncludeProjects))
	}
	if len(filter.ExcludeProjects) > 0 {
		fmt.Fprintf(&sb, "\nAND (project.id IS NULL OR project.id NOT IN (%s))", presto.StringList(filter.ExcludeProjects))
	}
	sb.WriteString("\nORDER BY usage_start_time")
	return sb.String()
}

// scanner is the row-scanning surface of *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExportRow(s scanner) (ledger.Row, error) {
	var (
		serviceID, serviceDesc           string
		skuID, skuDesc                   string
		usageStart, usageEnd, exportTime time.Time
		projID, projNumber, projName     sql.NullString
		labels, systemLabels             sql.NullString
		locLoc, locCountry, locRegion    sql.NullString
		locZone                          sql.NullString
		cost, conversionRate             float64
		currency                         string
		usageAmount, usagePricingAmount  sql.NullFloat64
		usageUnit, usagePricingUnit      sql.NullString
		credits, invoiceMonth            sql.NullString
		costType, adjustmentInfo         sql.NullString
	)
	err := s.Scan(
		&serviceID, &serviceDesc,
		&skuID, &skuDesc,
		&usageStart, &usageEnd,
		&projID, &projNumber, &projName,
		&labels, &systemLabels,
		&locLoc, &locCountry, &locRegion, &locZone,
		&exportTime, &cost, &currency, &conversionRate,
		&usageAmount, &usageUnit, &usagePricingAmount, &usagePricingUnit,
		&credits, &invoiceMonth, &costType, &adjustmentInfo,
	)
	if err != nil {
		return ledger.Row{}, fmt.Errorf("error scanning billing export row: %v", err)
	}

	row := ledger.Row{
		Service:                ledger.Service{ID: serviceID, Description: serviceDesc},
		SKU:                    ledger.SKU{ID: skuID, Description: skuDesc},
		UsageStartTime:         usageStart.UTC(),
		UsageEndTime:           usageEnd.UTC(),
		Labels:                 labels.String,
		SystemLabels:           systemLabels.String,
		ExportTime:             exportTime.UTC(),
		Cost:                   decimal.NewFromFloat(cost),
		Currency:               currency,
		CurrencyConversionRate: conversionRate,
		Usage: ledger.UsageAmount{
			Amount:               usageAmount.Float64,
			Unit:                 usageUnit.String,
			AmountInPricingUnits: usagePricingAmount.Float64,
			PricingUnit:          usagePricingUnit.String,
		},
		Credits:        credits.String,
		Invoice:        ledger.Invoice{Month: invoiceMonth.String},
		CostType:       costType.String,
		AdjustmentInfo: adjustmentInfo.String,
	}
	if projID.Valid {
		row.Project = &ledger.Project{ID: projID.String, Number: projNumber.String, Name: projName.String}
	}
	if locLoc.Valid || locCountry.Valid || locRegion.Valid || locZone.Valid {
		row.Location = &ledger.Location{
			Location: locLoc.String,
			Country:  locCountry.String,
			Region:   locRegion.String,
			Zone:     locZone.String,
		}
	}
	return row, nil
}
