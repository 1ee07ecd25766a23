// Package metrics defines the sink that copy progress is reported to.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives copy progress events. Implementations must be safe for
// concurrent use; every worker reports to the same sink.
type Sink interface {
	AddRowsRead(n uint64)
	AddRowsCopied(n uint64)
	IncPartitionsCompleted()
	IncPartitionsFailed()
}

// NoopSink discards all events. It is the default sink.
type NoopSink struct{}

func (NoopSink) AddRowsRead(_ uint64)    {}
func (NoopSink) AddRowsCopied(_ uint64)  {}
func (NoopSink) IncPartitionsCompleted() {}
func (NoopSink) IncPartitionsFailed()    {}

// PrometheusSink exposes progress as prometheus counters.
type PrometheusSink struct {
	registry            *prometheus.Registry
	rowsRead            prometheus.Counter
	rowsCopied          prometheus.Counter
	partitionsCompleted prometheus.Counter
	partitionsFailed    prometheus.Counter
}

// NewPrometheusSink returns a sink with its own registry.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		rowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datacp_rows_read_total",
			Help: "Source rows read across all partitions.",
		}),
		rowsCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datacp_rows_copied_total",
			Help: "Rows inserted into the destination.",
		}),
		partitionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datacp_partitions_completed_total",
			Help: "Partitions copied and checkpointed.",
		}),
		partitionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datacp_partitions_failed_total",
			Help: "Partitions skipped after an error.",
		}),
	}
	s.registry.MustRegister(s.rowsRead, s.rowsCopied, s.partitionsCompleted, s.partitionsFailed)
	return s
}

func (s *PrometheusSink) AddRowsRead(n uint64)    { s.rowsRead.Add(float64(n)) }
func (s *PrometheusSink) AddRowsCopied(n uint64)  { s.rowsCopied.Add(float64(n)) }
func (s *PrometheusSink) IncPartitionsCompleted() { s.partitionsCompleted.Inc() }
func (s *PrometheusSink) IncPartitionsFailed()    { s.partitionsFailed.Inc() }

// Handler serves the sink's registry in the prometheus text format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
