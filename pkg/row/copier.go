package row

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/siddontang/loggers"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/block/datacp/pkg/checkpoint"
	"github.com/block/datacp/pkg/clickhouse"
	"github.com/block/datacp/pkg/metrics"
	"github.com/block/datacp/pkg/table"
	"github.com/block/datacp/pkg/utils"
)

// DefaultBatchSize is the number of rows per INSERT during partition copy.
const DefaultBatchSize = 5000

// CopierConfig configures a Copier.
type CopierConfig struct {
	// Concurrency bounds the number of chunks copied at once.
	Concurrency int
	// BatchSize is the number of rows per insert. Defaults to DefaultBatchSize.
	BatchSize int
	// Checkpoint records completed partition keys. When nil no checkpoints
	// are written and any partition failure aborts the whole copy, which is
	// what the cut-over back-fill requires.
	Checkpoint  *checkpoint.Log
	Logger      loggers.Advanced
	MetricsSink metrics.Sink
}

// NewCopierDefaultConfig returns a default copier configuration.
func NewCopierDefaultConfig() *CopierConfig {
	return &CopierConfig{
		Concurrency: 4,
		BatchSize:   DefaultBatchSize,
		Logger:      logrus.New(),
		MetricsSink: metrics.NoopSink{},
	}
}

// Copier copies hour partitions from a source table to a destination table,
// inserting only the source rows whose fingerprints are absent from the
// destination's window. Workers process their chunk sequentially in
// ascending time order; memory is bounded to one partition's row sets per
// worker.
type Copier struct {
	client     *clickhouse.Client
	source     *table.TableInfo
	dest       *table.TableInfo
	timeField  string
	columns    []string // diff and insert column list, identical by construction
	projection []string // columns sorted, for fingerprints

	concurrency int
	batchSize   int
	checkpoint  *checkpoint.Log
	logger      loggers.Advanced
	sink        metrics.Sink

	// CopyRowsCount is the number of rows inserted. Read with atomics.
	CopyRowsCount uint64
}

// NewCopier returns a Copier over the given column list. The same list is
// used for reads, fingerprints (sorted) and inserts.
func NewCopier(client *clickhouse.Client, source, dest *table.TableInfo, timeField string, columns []string, config *CopierConfig) (*Copier, error) {
	if client == nil || source == nil || dest == nil {
		return nil, errors.New("client, source and dest must be non-nil")
	}
	if len(columns) == 0 {
		return nil, errors.New("column list must be non-empty")
	}
	if config == nil {
		config = NewCopierDefaultConfig()
	}
	if config.Concurrency == 0 {
		config.Concurrency = 4
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	if config.MetricsSink == nil {
		config.MetricsSink = metrics.NoopSink{}
	}
	return &Copier{
		client:      client,
		source:      source,
		dest:        dest,
		timeField:   timeField,
		columns:     columns,
		projection:  SortedProjection(columns),
		concurrency: config.Concurrency,
		batchSize:   config.BatchSize,
		checkpoint:  config.Checkpoint,
		logger:      config.Logger,
		sink:        config.MetricsSink,
	}, nil
}

// Run copies every chunk, one goroutine per chunk.
func (c *Copier) Run(ctx context.Context, chunks [][]string) error {
	g, errGrpCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, chunk := range chunks {
		keys := chunk
		g.Go(func() error {
			return c.runChunk(errGrpCtx, keys)
		})
	}
	return g.Wait()
}

// runChunk processes the chunk's partitions sequentially. With a checkpoint
// log attached a failed partition is logged and skipped; it stays out of
// the checkpoint file and is retried on the next cycle. Without one the
// failure is returned and cancels the run.
func (c *Copier) runChunk(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.CopyPartition(ctx, key); err != nil {
			if c.checkpoint == nil {
				return fmt.Errorf("partition %s: %w", key, err)
			}
			c.sink.IncPartitionsFailed()
			c.logger.Errorf("partition %s failed and will be retried next cycle: %v", key, err)
			continue
		}
	}
	return nil
}

// CopyPartition diffs and copies the window [key, key+1h). The checkpoint
// is recorded only after every batch has been accepted.
func (c *Copier) CopyPartition(ctx context.Context, key string) error {
	keyEnd, err := utils.AddHour(key)
	if err != nil {
		return err
	}
	where := fmt.Sprintf("`%s` >= '%s' AND `%s` < '%s'",
		c.timeField, utils.EscapeString(key), c.timeField, utils.EscapeString(keyEnd))

	srcRows, err := c.client.QueryRows(ctx, c.source.Endpoint, c.source.Database,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", utils.QuoteColumns(c.columns), c.source.QuotedName(), where))
	if err != nil {
		return err
	}
	dstRows, err := c.client.QueryRows(ctx, c.dest.Endpoint, c.dest.Database,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", utils.QuoteColumns(c.columns), c.dest.QuotedName(), where))
	if err != nil {
		return err
	}
	c.sink.AddRowsRead(uint64(len(srcRows)))

	missing := MissingRows(srcRows, dstRows, c.projection)
	if err := c.InsertBatched(ctx, missing); err != nil {
		return err
	}
	if c.checkpoint != nil {
		if err := c.checkpoint.Append(key); err != nil {
			return err
		}
	}
	c.sink.IncPartitionsCompleted()
	c.logger.Infof("partition %s copied: source-rows=%d dest-rows=%d inserted=%d", key, len(srcRows), len(dstRows), len(missing))
	return nil
}

// MissingRows returns the source rows whose fingerprints are absent from
// the destination rows.
func MissingRows(srcRows, dstRows []clickhouse.Row, projection []string) []clickhouse.Row {
	have := make(map[string]struct{}, len(dstRows))
	for _, r := range dstRows {
		have[Fingerprint(r, projection)] = struct{}{}
	}
	var missing []clickhouse.Row
	for _, r := range srcRows {
		if _, ok := have[Fingerprint(r, projection)]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// InsertBatched inserts rows into the destination in batches. Each batch is
// an independent insert; a failure aborts the remaining batches.
func (c *Copier) InsertBatched(ctx context.Context, rows []clickhouse.Row) error {
	for start := 0; start < len(rows); start += c.batchSize {
		end := start + c.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		payload := EncodeBatch(batch, c.columns)
		if err := c.client.Insert(ctx, c.dest.Endpoint, c.dest.Database, c.dest.TableName, payload); err != nil {
			return err
		}
		atomic.AddUint64(&c.CopyRowsCount, uint64(len(batch)))
		c.sink.AddRowsCopied(uint64(len(batch)))
	}
	return nil
}
