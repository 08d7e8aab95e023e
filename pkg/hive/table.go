package hive

import (
	"fmt"
	"strings"

	"github.com/costops/ledger-aggregator/pkg/db"
)

type Column struct {
	Name string
	Type string
}

// TableParameters describes a Hive table to create.
type TableParameters struct {
	Name          string
	Columns       []Column
	PartitionedBy []Column
	Location      string
	FileFormat    string
}

// ExecuteCreateTable creates the table described by params. When
// ignoreExists is set the statement is a no-op if the table already exists.
func ExecuteCreateTable(execer db.Execer, params TableParameters, ignoreExists bool) error {
	query := generateCreateTableSQL(params, ignoreExists)
	_, err := execer.Exec(query)
	return err
}

// ExecuteDropTable drops the named table.
func ExecuteDropTable(execer db.Execer, tableName string, ignoreNotExists bool) error {
	ifExists := ""
	if ignoreNotExists {
		ifExists = "IF EXISTS "
	}
	_, err := execer.Exec(fmt.Sprintf("DROP TABLE %s%s", ifExists, tableName))
	return err
}

func generateCreateTableSQL(params TableParameters, ignoreExists bool) string {
	ifNotExists := ""
	if ignoreExists {
		ifNotExists = "IF NOT EXISTS "
	}

	partitionedBy := ""
	if len(params.PartitionedBy) != 0 {
		partitionedBy = fmt.Sprintf(" PARTITIONED BY (%s)", fmtColumnText(params.PartitionedBy))
	}

	fileFormat := ""
	if params.FileFormat != "" {
		fileFormat = fmt.Sprintf(" STORED AS %s", params.FileFormat)
	}

	location := ""
	if params.Location != "" {
		location = fmt.Sprintf(" LOCATION '%s'", params.Location)
	}

	return fmt.Sprintf("CREATE TABLE %s%s (%s)%s%s%s",
		ifNotExists, params.Name, fmtColumnText(params.Columns), partitionedBy, fileFormat, location)
}

func fmtColumnText(columns []Column) string {
	c := make([]string, len(columns))
	for i, col := range columns {
		c[i] = fmt.Sprintf("`%s` %s", col.Name, col.Type)
	}
	return strings.Join(c, ",")
}
