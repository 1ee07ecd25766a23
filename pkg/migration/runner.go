// Package migration orchestrates the full table migration: schema check,
// base copy cycle, incremental catch-up and the final cut-over.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"

	"github.com/block/datacp/pkg/checkpoint"
	"github.com/block/datacp/pkg/clickhouse"
	"github.com/block/datacp/pkg/metrics"
	"github.com/block/datacp/pkg/row"
	"github.com/block/datacp/pkg/table"
)

// DefaultStartTime is the initial lower bound when none is configured.
const DefaultStartTime = "1970-01-01 08:00:01"

// Migration describes one table migration. It is read-only once the
// Runner starts.
type Migration struct {
	SrcDSN   string
	DstDSN   string
	SrcDB    string
	DstDB    string
	SrcTable string
	DstTable string

	// TimeField partitions the copy and drives catch-up. It must survive
	// ignored-column filtering.
	TimeField string
	// StartTime is the inclusive lower bound of the base cycle.
	StartTime string
	// Parallelism is the number of concurrent copy workers.
	Parallelism int
	// DoneSegments is the checkpoint file path; derived from the table
	// names when empty.
	DoneSegments string
	// IgnoreFields are removed from both the schema check and the
	// copy projection.
	IgnoreFields []string

	IsSrcDistributed bool
	IsDstDistributed bool
	ClusterName      string
}

// Runner executes a Migration.
type Runner struct {
	migration *Migration
	client    *clickhouse.Client
	source    *table.TableInfo
	dest      *table.TableInfo

	// columns is the copy projection: source columns minus ignored, in
	// source order. The same list drives diffing and inserts.
	columns []string

	checkpointLog *checkpoint.Log

	rowsCopied uint64
	startTime  time.Time

	logger      loggers.Advanced
	metricsSink metrics.Sink
}

// NewRunner validates the migration and fills in defaults.
func NewRunner(m *Migration) (*Runner, error) {
	r := &Runner{
		migration:   m,
		logger:      logrus.New(),
		metricsSink: metrics.NoopSink{},
	}
	if m.SrcDSN == "" || m.DstDSN == "" {
		return nil, errors.New("source and destination DSNs are required")
	}
	if m.SrcDB == "" || m.DstDB == "" {
		return nil, errors.New("source and destination database names are required")
	}
	if m.SrcTable == "" || m.DstTable == "" {
		return nil, errors.New("source and destination table names are required")
	}
	if m.TimeField == "" {
		return nil, errors.New("time field is required")
	}
	if m.StartTime == "" {
		m.StartTime = DefaultStartTime
	}
	if m.Parallelism == 0 {
		m.Parallelism = 4
	}
	if m.DoneSegments == "" {
		m.DoneSegments = checkpoint.DefaultPath(m.SrcTable, m.DstTable)
	}
	return r, nil
}

// SetLogger attaches a logger. The default is logrus.New().
func (r *Runner) SetLogger(logger loggers.Advanced) {
	r.logger = logger
}

// SetMetricsSink attaches a metrics sink. The default discards everything.
func (r *Runner) SetMetricsSink(sink metrics.Sink) {
	r.metricsSink = sink
}

// Run performs the whole migration. On success the destination table has
// been renamed to the source table's name and the checkpoint file rotated.
// When the source has no rows at or after the start time, Run returns nil
// without copying anything or cutting over.
func (r *Runner) Run(ctx context.Context) error {
	r.startTime = time.Now()
	m := r.migration
	r.logger.Infof("starting datacp migration: parallelism=%d source=%s.%s dest=%s.%s time-field=%s start-time=%s",
		m.Parallelism, m.SrcDB, m.SrcTable, m.DstDB, m.DstTable, m.TimeField, m.StartTime)

	srcEndpoint, err := clickhouse.ParseDSN(m.SrcDSN)
	if err != nil {
		return fmt.Errorf("source DSN: %w", err)
	}
	dstEndpoint, err := clickhouse.ParseDSN(m.DstDSN)
	if err != nil {
		return fmt.Errorf("destination DSN: %w", err)
	}
	r.client = clickhouse.NewClient(r.logger)
	r.source = table.NewTableInfo(srcEndpoint, m.SrcDB, m.SrcTable)
	r.dest = table.NewTableInfo(dstEndpoint, m.DstDB, m.DstTable)
	r.checkpointLog = checkpoint.New(m.DoneSegments)

	// Pre-flight: both endpoints reachable with the supplied credentials.
	if err := r.client.Ping(ctx, srcEndpoint); err != nil {
		return fmt.Errorf("source endpoint pre-flight failed: %w", err)
	}
	if err := r.client.Ping(ctx, dstEndpoint); err != nil {
		return fmt.Errorf("destination endpoint pre-flight failed: %w", err)
	}

	if err := r.checkSchema(ctx); err != nil {
		return err
	}

	// Base cycle over [start-time, max].
	minTime, maxTime, err := r.client.TimeRange(ctx, srcEndpoint, m.SrcDB, m.SrcTable, m.TimeField, m.StartTime)
	if err != nil {
		return err
	}
	if minTime == "" || maxTime == "" {
		r.logger.Infof("source table %s.%s has no rows at or after %s, nothing to copy", m.SrcDB, m.SrcTable, m.StartTime)
		return nil
	}
	if err := r.runCycle(ctx, minTime, maxTime); err != nil {
		return err
	}

	// Catch-up cycles over rows that arrived while copying.
	currentMax := maxTime
	for {
		newMin, newMax, err := r.client.TimeRange(ctx, srcEndpoint, m.SrcDB, m.SrcTable, m.TimeField, currentMax)
		if err != nil {
			return err
		}
		if newMin == "" || newMax == "" || newMax <= currentMax {
			break
		}
		r.logger.Infof("catching up on rows in (%s, %s]", currentMax, newMax)
		if err := r.runCycle(ctx, newMin, newMax); err != nil {
			return err
		}
		currentMax = newMax
	}

	cutover, err := NewCutOver(r.client, r.source, r.dest, r.columns, r.migration, r.checkpointLog, r.logger, r.metricsSink)
	if err != nil {
		return err
	}
	if err := cutover.Run(ctx); err != nil {
		return err
	}

	r.logger.Infof("migration complete: rows-copied=%d total-time=%s",
		atomic.LoadUint64(&r.rowsCopied), time.Since(r.startTime).Round(time.Second))
	return nil
}

// checkSchema discovers both column lists, applies the ignore list and
// verifies the remainders match position by position. It also fixes the
// copy projection.
func (r *Runner) checkSchema(ctx context.Context) error {
	if err := r.source.SetInfo(ctx, r.client); err != nil {
		return err
	}
	if err := r.dest.SetInfo(ctx, r.client); err != nil {
		return err
	}
	srcCols := filterColumns(r.source.Columns, r.migration.IgnoreFields)
	dstCols := filterColumns(r.dest.Columns, r.migration.IgnoreFields)
	if err := CompareColumns(srcCols, dstCols); err != nil {
		return err
	}
	found := false
	for _, col := range srcCols {
		if col == r.migration.TimeField {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("time field `%s` not present in table columns after ignore filtering", r.migration.TimeField)
	}
	r.columns = srcCols
	return nil
}

// runCycle plans the not-yet-done partitions of [minTime, maxTime) and
// copies them with the configured parallelism.
func (r *Runner) runCycle(ctx context.Context, minTime, maxTime string) error {
	done, err := r.checkpointLog.Load()
	if err != nil {
		return err
	}
	keys, err := table.PlanKeys(minTime, maxTime, done)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		r.logger.Infof("no partitions to copy in [%s, %s)", minTime, maxTime)
		return nil
	}
	chunks := table.Shard(keys, r.migration.Parallelism)
	r.logger.Infof("copy cycle: range=[%s, %s) partitions=%d workers=%d", minTime, maxTime, len(keys), len(chunks))

	copier, err := row.NewCopier(r.client, r.source, r.dest, r.migration.TimeField, r.columns, &row.CopierConfig{
		Concurrency: r.migration.Parallelism,
		Checkpoint:  r.checkpointLog,
		Logger:      r.logger,
		MetricsSink: r.metricsSink,
	})
	if err != nil {
		return err
	}
	if err := copier.Run(ctx, chunks); err != nil {
		return err
	}
	atomic.AddUint64(&r.rowsCopied, atomic.LoadUint64(&copier.CopyRowsCount))
	return nil
}

// CompareColumns verifies two filtered column lists are identical, position
// by position. The comparison is symmetric.
func CompareColumns(srcCols, dstCols []string) error {
	if len(srcCols) != len(dstCols) {
		return fmt.Errorf("schema mismatch: source has %d columns, destination has %d (after ignore filtering)",
			len(srcCols), len(dstCols))
	}
	for i := range srcCols {
		if srcCols[i] != dstCols[i] {
			return fmt.Errorf("schema mismatch: column %d is `%s` on the source but `%s` on the destination",
				i, srcCols[i], dstCols[i])
		}
	}
	return nil
}

func filterColumns(columns, ignored []string) []string {
	var out []string
	for _, col := range columns {
		skip := false
		for _, ig := range ignored {
			if col == ig {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, col)
		}
	}
	return out
}
