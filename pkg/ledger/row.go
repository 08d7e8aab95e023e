// Package ledger defines the canonical cost record written to the aggregate
// warehouse table, and the derivations (content-hash IDs, credit entries)
// that make re-running a sync over an overlapping window safe.
package ledger

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/costops/ledger-aggregator/pkg/timeutil"
)

// CostTypeRegular is the cost_type for ordinary usage-derived rows.
const CostTypeRegular = "regular"

type Service struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type SKU struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

type Project struct {
	ID     string `json:"id"`
	Number string `json:"number,omitempty"`
	Name   string `json:"name"`
}

type Location struct {
	Location string `json:"location"`
	Country  string `json:"country"`
	Region   string `json:"region"`
	Zone     string `json:"zone,omitempty"`
}

type UsageAmount struct {
	Amount               float64 `json:"amount"`
	Unit                 string  `json:"unit"`
	AmountInPricingUnits float64 `json:"amount_in_pricing_units"`
	PricingUnit          string  `json:"pricing_unit"`
}

type Invoice struct {
	Month string `json:"month"`
}

// Row is one normalized, deduplicated cost record. Labels, SystemLabels and
// Credits hold serialized sorted-key JSON so a row has exactly one canonical
// byte form; empty strings mean NULL in the warehouse.
type Row struct {
	ID                     string          `json:"id"`
	Topic                  string          `json:"topic"`
	Service                Service         `json:"service"`
	SKU                    SKU             `json:"sku"`
	UsageStartTime         time.Time       `json:"usage_start_time"`
	UsageEndTime           time.Time       `json:"usage_end_time"`
	Project                *Project        `json:"project"`
	Labels                 string          `json:"labels"`
	SystemLabels           string          `json:"system_labels"`
	Location               *Location       `json:"location"`
	ExportTime             time.Time       `json:"export_time"`
	Cost                   decimal.Decimal `json:"cost"`
	Currency               string          `json:"currency"`
	CurrencyConversionRate float64         `json:"currency_conversion_rate"`
	Usage                  UsageAmount     `json:"usage"`
	Credits                string          `json:"credits"`
	Invoice                Invoice         `json:"invoice"`
	CostType               string          `json:"cost_type"`
	AdjustmentInfo         string          `json:"adjustment_info"`
}

// ContentHash computes the row's deterministic dedup key: the MD5 hex digest
// of the row's canonical serialization. The canonical form is sorted-key
// JSON with timestamps at second precision, so hash stability does not
// depend on field ordering or sub-second noise. The ID field itself is
// excluded, since it is derived from the content.
func (r Row) ContentHash() string {
	canonical := map[string]interface{}{
		"topic":                    r.Topic,
		"service":                  map[string]string{"id": r.Service.ID, "description": r.Service.Description},
		"sku":                      map[string]string{"id": r.SKU.ID, "description": r.SKU.Description},
		"usage_start_time":         r.UsageStartTime.UTC().Format(timeutil.HashTimeFormat),
		"usage_end_time":           r.UsageEndTime.UTC().Format(timeutil.HashTimeFormat),
		"export_time":              r.ExportTime.UTC().Format(timeutil.HashTimeFormat),
		"labels":                   r.Labels,
		"system_labels":            r.SystemLabels,
		"cost":                     r.Cost.String(),
		"currency":                 r.Currency,
		"currency_conversion_rate": r.CurrencyConversionRate,
		"usage":                    r.Usage,
		"credits":                  r.Credits,
		"invoice":                  r.Invoice,
		"cost_type":                r.CostType,
		"adjustment_info":          r.AdjustmentInfo,
	}
	if r.Project != nil {
		canonical["project"] = r.Project
	}
	if r.Location != nil {
		canonical["location"] = r.Location
	}
	// encoding/json serializes map keys in sorted order, which is what makes
	// this canonical.
	b, err := json.Marshal(canonical)
	if err != nil {
		// all member types are JSON-serializable; this cannot fail at runtime
		panic(err)
	}
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// UsageRowParams carries everything needed to build a usage-derived ledger
// row in the common shape shared by the batch-usage connector and the
// allocation engine.
type UsageRowParams struct {
	Key            string
	Topic          string
	Service        Service
	SKU            SKU
	Cost           decimal.Decimal
	Currency       string
	ConversionRate float64
	UsageAmount    float64
	UsageUnit      string
	StartTime      time.Time
	EndTime        time.Time
	ExportTime     time.Time
	Labels         string
	Location       *Location
}

// NewUsageRow builds a well-formed ledger row from params. The invoice month
// is taken from the usage start time: conversion rates are fixed per
// calendar month of job start.
func NewUsageRow(p UsageRowParams) Row {
	cost, _ := p.Cost.Float64()
	return Row{
		ID:                     p.Key,
		Topic:                  p.Topic,
		Service:                p.Service,
		SKU:                    p.SKU,
		UsageStartTime:         p.StartTime.UTC(),
		UsageEndTime:           p.EndTime.UTC(),
		Labels:                 p.Labels,
		Location:               p.Location,
		ExportTime:             p.ExportTime.UTC(),
		Cost:                   p.Cost,
		Currency:               p.Currency,
		CurrencyConversionRate: p.ConversionRate,
		Usage: UsageAmount{
			Amount:               p.UsageAmount,
			Unit:                 p.UsageUnit,
			AmountInPricingUnits: cost,
			PricingUnit:          p.Currency,
		},
		Credits:  "[]",
		Invoice:  Invoice{Month: timeutil.InvoiceMonth(p.StartTime)},
		CostType: CostTypeRegular,
	}
}
