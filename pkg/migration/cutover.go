package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/block/datacp/pkg/checkpoint"
	"github.com/block/datacp/pkg/clickhouse"
	"github.com/block/datacp/pkg/metrics"
	"github.com/block/datacp/pkg/row"
	"github.com/block/datacp/pkg/table"
	"github.com/block/datacp/pkg/utils"
)

// reconcileBatchSize is the insert batch size during the single-instant
// reconciliation. Smaller than the copy batch because the window is one
// timestamp.
const reconcileBatchSize = 1000

// CutOver performs the terminal swap: rename the source aside, reconcile
// rows at the backup's final timestamp, back-fill anything later, then
// rename the destination into the source's name.
//
// The two renames are not transactional. Between them readers of the
// source name see no table, and writers to it fail; schedule the cut-over
// window accordingly. Any failure here is fatal and needs operator
// attention, because the namespace may be half-renamed.
type CutOver struct {
	client        *clickhouse.Client
	source        *table.TableInfo
	dest          *table.TableInfo
	columns       []string
	projection    []string
	migration     *Migration
	checkpointLog *checkpoint.Log
	logger        loggers.Advanced
	metricsSink   metrics.Sink
}

// NewCutOver contains the logic to perform the final cut over. It requires
// the source and destination tables and the copy projection used by the
// preceding cycles.
func NewCutOver(client *clickhouse.Client, source, dest *table.TableInfo, columns []string, m *Migration, checkpointLog *checkpoint.Log, logger loggers.Advanced, sink metrics.Sink) (*CutOver, error) {
	if client == nil {
		return nil, errors.New("client must be non-nil")
	}
	if source == nil || dest == nil {
		return nil, errors.New("source and dest must be non-nil")
	}
	if len(columns) == 0 {
		return nil, errors.New("column list must be non-empty")
	}
	if checkpointLog == nil {
		return nil, errors.New("checkpoint log must be non-nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &CutOver{
		client:        client,
		source:        source,
		dest:          dest,
		columns:       columns,
		projection:    row.SortedProjection(columns),
		migration:     m,
		checkpointLog: checkpointLog,
		logger:        logger,
		metricsSink:   sink,
	}, nil
}

// Run executes the cut-over protocol.
func (c *CutOver) Run(ctx context.Context) error {
	bakName := c.source.TableName + "_bak"
	rename := fmt.Sprintf("RENAME TABLE `%s` TO `%s`%s",
		c.source.TableName, bakName, c.onCluster(c.migration.IsSrcDistributed))
	c.logger.Warnf("renaming source table: %s", rename)
	if err := c.client.Exec(ctx, c.source.Endpoint, c.source.Database, rename); err != nil {
		return fmt.Errorf("renaming source table aside: %w", err)
	}
	bak := table.NewTableInfo(c.source.Endpoint, c.source.Database, bakName)
	bak.Columns = c.source.Columns

	bakMax, err := c.client.MaxTime(ctx, bak.Endpoint, bak.Database, bak.TableName, c.migration.TimeField)
	if err != nil {
		return err
	}
	if bakMax != "" {
		if err := c.reconcileInstant(ctx, bak, bakMax); err != nil {
			return err
		}
		if err := c.backfill(ctx, bak, bakMax); err != nil {
			return err
		}
	}

	rename = fmt.Sprintf("RENAME TABLE `%s` TO `%s`%s",
		c.dest.TableName, c.source.TableName, c.onCluster(c.migration.IsDstDistributed))
	c.logger.Warnf("renaming destination into place: %s", rename)
	if err := c.client.Exec(ctx, c.dest.Endpoint, c.dest.Database, rename); err != nil {
		return fmt.Errorf("renaming destination table into place: %w", err)
	}

	if err := c.checkpointLog.Rotate(time.Now()); err != nil {
		return err
	}
	c.logger.Warn("final cut over operation complete")
	return nil
}

// reconcileInstant copies the backup's rows at exactly bakMax that the
// destination does not have yet. Rows before bakMax are covered by the
// copy cycles; rows after it by the back-fill.
func (c *CutOver) reconcileInstant(ctx context.Context, bak *table.TableInfo, bakMax string) error {
	where := fmt.Sprintf("`%s` = '%s'", c.migration.TimeField, utils.EscapeString(bakMax))
	srcRows, err := c.client.QueryRows(ctx, bak.Endpoint, bak.Database,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", utils.QuoteColumns(c.columns), bak.QuotedName(), where))
	if err != nil {
		return err
	}
	dstRows, err := c.client.QueryRows(ctx, c.dest.Endpoint, c.dest.Database,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", utils.QuoteColumns(c.columns), c.dest.QuotedName(), where))
	if err != nil {
		return err
	}
	missing := row.MissingRows(srcRows, dstRows, c.projection)
	c.logger.Infof("reconciling instant %s: source-rows=%d dest-rows=%d inserting=%d", bakMax, len(srcRows), len(dstRows), len(missing))
	for start := 0; start < len(missing); start += reconcileBatchSize {
		end := start + reconcileBatchSize
		if end > len(missing) {
			end = len(missing)
		}
		payload := row.EncodeBatch(missing[start:end], c.columns)
		if err := c.client.Insert(ctx, c.dest.Endpoint, c.dest.Database, c.dest.TableName, payload); err != nil {
			return fmt.Errorf("reconciling instant %s: %w", bakMax, err)
		}
		c.metricsSink.AddRowsCopied(uint64(end - start))
	}
	return nil
}

// backfill copies rows strictly after bakMax out of the backup table with
// a fresh partitioned pass. No checkpointing: a failure is fatal because
// the source has already been renamed aside.
func (c *CutOver) backfill(ctx context.Context, bak *table.TableInfo, bakMax string) error {
	after, err := utils.AddSecond(bakMax)
	if err != nil {
		return err
	}
	minTime, maxTime, err := c.client.TimeRange(ctx, bak.Endpoint, bak.Database, bak.TableName, c.migration.TimeField, after)
	if err != nil {
		return err
	}
	if minTime == "" || maxTime == "" {
		return nil
	}
	keys, err := table.PlanKeys(minTime, maxTime, nil)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	c.logger.Infof("back-filling %d partitions of late rows in [%s, %s)", len(keys), minTime, maxTime)
	copier, err := row.NewCopier(c.client, bak, c.dest, c.migration.TimeField, c.columns, &row.CopierConfig{
		Concurrency: c.migration.Parallelism,
		Logger:      c.logger,
		MetricsSink: c.metricsSink,
	})
	if err != nil {
		return err
	}
	return copier.Run(ctx, table.Shard(keys, c.migration.Parallelism))
}

func (c *CutOver) onCluster(distributed bool) string {
	if distributed && c.migration.ClusterName != "" {
		return fmt.Sprintf(" ON CLUSTER `%s`", c.migration.ClusterName)
	}
	return ""
}
