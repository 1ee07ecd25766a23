// Package table describes the tables being migrated and plans the
// time-partitioned chunks of work.
package table

import (
	"context"
	"fmt"

	"github.com/block/datacp/pkg/clickhouse"
)

// TableInfo binds a table name to the endpoint and database it lives on,
// plus its discovered column list. All queries pass the database as a
// request parameter, so QuotedName carries only the table.
type TableInfo struct {
	Endpoint  *clickhouse.Endpoint
	Database  string
	TableName string

	// Columns is the table's column list in DESCRIBE order.
	// Populated by SetInfo.
	Columns []string
}

// NewTableInfo returns an unpopulated TableInfo.
func NewTableInfo(ep *clickhouse.Endpoint, database, tableName string) *TableInfo {
	return &TableInfo{
		Endpoint:  ep,
		Database:  database,
		TableName: tableName,
	}
}

// QuotedName returns the backtick-quoted table name.
func (t *TableInfo) QuotedName() string {
	return fmt.Sprintf("`%s`", t.TableName)
}

// SetInfo discovers the column list.
func (t *TableInfo) SetInfo(ctx context.Context, client *clickhouse.Client) error {
	columns, err := client.ColumnNames(ctx, t.Endpoint, t.Database, t.TableName)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("table `%s`.`%s` has no columns", t.Database, t.TableName)
	}
	t.Columns = columns
	return nil
}
