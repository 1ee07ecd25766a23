package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/block/datacp/pkg/metrics"
	"github.com/block/datacp/pkg/migration"
)

var cli struct {
	SrcDsn   string `help:"Source ClickHouse DSN (http only)." default:"http://default:@localhost:8123"`
	DstDsn   string `help:"Destination ClickHouse DSN (http only)." default:"http://default:@localhost:8123"`
	SrcDb    string `help:"Source database name." default:"db_data"`
	DstDb    string `help:"Destination database name." default:"db_data"`
	SrcTable string `help:"Source table name." required:""`
	DstTable string `help:"Destination table name." required:""`

	TimeField    string   `help:"DateTime column used for partitioning." required:""`
	StartTime    string   `help:"Lower bound of the copy." default:"1970-01-01 08:00:01"`
	Parallelism  int      `help:"Number of concurrent copy workers." default:"4"`
	DoneSegments string   `help:"Checkpoint file of completed partitions. Derived from the table names when empty."`
	IgnoreField  []string `help:"Columns excluded from schema check, diff and insert. May be given multiple times." sep:","`

	IsSrcDistributed bool   `help:"Source table is a Distributed table."`
	IsDstDistributed bool   `help:"Destination table is a Distributed table."`
	ClusterName      string `help:"Cluster name for ON CLUSTER renames."`

	LogFile     string `help:"JSON log file." default:"log.json"`
	MetricsAddr string `help:"Listen address for prometheus metrics. Disabled when empty."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("datacp"),
		kong.Description("Copies a ClickHouse table between clusters and swaps it into place."),
	)

	logger := logrus.New()
	logFile, err := os.OpenFile(cli.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	kctx.FatalIfErrorf(err)
	defer logFile.Close()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(io.MultiWriter(os.Stderr, logFile))

	runner, err := migration.NewRunner(&migration.Migration{
		SrcDSN:           cli.SrcDsn,
		DstDSN:           cli.DstDsn,
		SrcDB:            cli.SrcDb,
		DstDB:            cli.DstDb,
		SrcTable:         cli.SrcTable,
		DstTable:         cli.DstTable,
		TimeField:        cli.TimeField,
		StartTime:        cli.StartTime,
		Parallelism:      cli.Parallelism,
		DoneSegments:     cli.DoneSegments,
		IgnoreFields:     cli.IgnoreField,
		IsSrcDistributed: cli.IsSrcDistributed,
		IsDstDistributed: cli.IsDstDistributed,
		ClusterName:      cli.ClusterName,
	})
	kctx.FatalIfErrorf(err)
	runner.SetLogger(logger)

	if cli.MetricsAddr != "" {
		sink := metrics.NewPrometheusSink()
		runner.SetMetricsSink(sink)
		go func() {
			if err := http.ListenAndServe(cli.MetricsAddr, sink.Handler()); err != nil {
				logger.Errorf("metrics listener failed: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.FatalIfErrorf(runner.Run(ctx))
}
