package clickhouse

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/block/datacp/pkg/utils"
)

// ColumnNames returns the column names of table, in table order.
func (c *Client) ColumnNames(ctx context.Context, ep *Endpoint, database, table string) ([]string, error) {
	rows, err := c.QueryRows(ctx, ep, database, fmt.Sprintf("DESCRIBE TABLE `%s`", table))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, row := range rows {
		raw, ok := row["name"]
		if !ok {
			return nil, fmt.Errorf("DESCRIBE TABLE `%s` returned a row without a name field", table)
		}
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("DESCRIBE TABLE `%s`: %w", table, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// TimeRange returns the min and max of timeField over rows at or after
// start. Both are empty when no rows match.
func (c *Client) TimeRange(ctx context.Context, ep *Endpoint, database, table, timeField, start string) (minTime, maxTime string, err error) {
	query := fmt.Sprintf("SELECT min(`%s`) AS min_time, max(`%s`) AS max_time FROM `%s` WHERE `%s` >= '%s'",
		timeField, timeField, table, timeField, utils.EscapeString(start))
	rows, err := c.QueryRows(ctx, ep, database, query)
	if err != nil {
		return "", "", err
	}
	if len(rows) == 0 {
		return "", "", nil
	}
	minTime = stringValue(rows[0]["min_time"])
	maxTime = stringValue(rows[0]["max_time"])
	return minTime, maxTime, nil
}

// MaxTime returns the max of timeField over the whole table, or empty when
// the table has no rows.
func (c *Client) MaxTime(ctx context.Context, ep *Endpoint, database, table, timeField string) (string, error) {
	query := fmt.Sprintf("SELECT max(`%s`) AS max_time FROM `%s`", timeField, table)
	rows, err := c.QueryRows(ctx, ep, database, query)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return stringValue(rows[0]["max_time"]), nil
}

// stringValue decodes a JSON string value, mapping null, absent and the
// DateTime epoch zero (what min/max return over an empty set) to empty.
func stringValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	if s == "1970-01-01 00:00:00" {
		return ""
	}
	return s
}
