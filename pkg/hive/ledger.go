package hive

import "github.com/costops/ledger-aggregator/pkg/db"

// LedgerColumns is the schema of the aggregate cost ledger table. Structured
// fields mirror the cloud billing export; labels and credits are stored as
// serialized JSON strings so the row content hash has one canonical form.
var LedgerColumns = []Column{
	{Name: "id", Type: "string"},
	{Name: "topic", Type: "string"},
	{Name: "service", Type: "struct<id:string,description:string>"},
	{Name: "sku", Type: "struct<id:string,description:string>"},
	{Name: "usage_start_time", Type: "timestamp"},
	{Name: "usage_end_time", Type: "timestamp"},
	{Name: "project", Type: "struct<id:string,number:string,name:string>"},
	{Name: "labels", Type: "string"},
	{Name: "system_labels", Type: "string"},
	{Name: "location", Type: "struct<location:string,country:string,region:string,zone:string>"},
	{Name: "export_time", Type: "timestamp"},
	{Name: "cost", Type: "double"},
	{Name: "currency", Type: "string"},
	{Name: "currency_conversion_rate", Type: "double"},
	{Name: "usage", Type: "struct<amount:double,unit:string,amount_in_pricing_units:double,pricing_unit:string>"},
	{Name: "credits", Type: "string"},
	{Name: "invoice", Type: "struct<month:string>"},
	{Name: "cost_type", Type: "string"},
	{Name: "adjustment_info", Type: "string"},
}

// ExportColumns is the schema of the cloud billing export table the
// warehouse mirrors: the ledger schema without the derived id and topic.
var ExportColumns = LedgerColumns[2:]

// RawUsageColumns is the schema of the partner raw-usage staging table,
// matching the partner CSV columns.
var RawUsageColumns = []Column{
	{Name: "id", Type: "string"},
	{Name: "usage_timestamp", Type: "timestamp"},
	{Name: "category", Type: "string"},
	{Name: "sku", Type: "string"},
	{Name: "product", Type: "string"},
	{Name: "sub_tenant_name", Type: "string"},
	{Name: "cost", Type: "double"},
	{Name: "metadata", Type: "string"},
}

// CreateLedgerTable creates the aggregate ledger table, partitioned by usage
// day to keep existence-check scans bounded.
func CreateLedgerTable(execer db.Execer, tableName string) error {
	return ExecuteCreateTable(execer, TableParameters{
		Name:          tableName,
		Columns:       LedgerColumns,
		PartitionedBy: []Column{{Name: "dt", Type: "string"}},
		FileFormat:    "ORC",
	}, true)
}

// CreateExportTable creates the cloud billing export mirror table.
func CreateExportTable(execer db.Execer, tableName string) error {
	return ExecuteCreateTable(execer, TableParameters{
		Name:          tableName,
		Columns:       ExportColumns,
		PartitionedBy: []Column{{Name: "dt", Type: "string"}},
		FileFormat:    "ORC",
	}, true)
}

// CreateRawUsageTable creates the partner raw-usage staging table.
func CreateRawUsageTable(execer db.Execer, tableName string) error {
	return ExecuteCreateTable(execer, TableParameters{
		Name:          tableName,
		Columns:       RawUsageColumns,
		PartitionedBy: []Column{{Name: "dt", Type: "string"}},
		FileFormat:    "ORC",
	}, true)
}
