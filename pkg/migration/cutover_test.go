package migration

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/datacp/pkg/checkpoint"
	"github.com/block/datacp/pkg/clickhouse"
	"github.com/block/datacp/pkg/table"
	"github.com/sirupsen/logrus"
)

func newTestCutOver(t *testing.T, src, dst *testServer, m *Migration, cpPath string) *CutOver {
	t.Helper()
	client := clickhouse.NewClient(nil)
	srcEndpoint, err := clickhouse.ParseDSN(src.dsn())
	require.NoError(t, err)
	dstEndpoint, err := clickhouse.ParseDSN(dst.dsn())
	require.NoError(t, err)
	source := table.NewTableInfo(srcEndpoint, m.SrcDB, m.SrcTable)
	dest := table.NewTableInfo(dstEndpoint, m.DstDB, m.DstTable)
	cutover, err := NewCutOver(client, source, dest, []string{"id", "ts"}, m, checkpoint.New(cpPath), logrus.New(), nil)
	require.NoError(t, err)
	return cutover
}

func baseMigration() *Migration {
	return &Migration{
		SrcDB:       "db",
		DstDB:       "db",
		SrcTable:    "events",
		DstTable:    "events_v2",
		TimeField:   "ts",
		Parallelism: 2,
	}
}

func TestCutOverReconcilesInstant(t *testing.T) {
	instant := "`ts` = '2024-06-01 12:34:56'"
	src := newTestServer(t, map[string]string{
		"SELECT max(`ts`) AS max_time FROM `events_bak`": `{"max_time":"2024-06-01 12:34:56"}` + "\n",
		"FROM `events_bak` WHERE " + instant: strings.Join([]string{
			`{"id":1,"ts":"2024-06-01 12:34:56"}`,
			`{"id":2,"ts":"2024-06-01 12:34:56"}`,
			`{"id":3,"ts":"2024-06-01 12:34:56"}`,
		}, "\n") + "\n",
	})
	dst := newTestServer(t, map[string]string{
		"FROM `events_v2` WHERE " + instant: strings.Join([]string{
			`{"id":1,"ts":"2024-06-01 12:34:56"}`,
			`{"id":2,"ts":"2024-06-01 12:34:56"}`,
		}, "\n") + "\n",
	})

	cpPath := filepath.Join(t.TempDir(), "done.txt")
	require.NoError(t, checkpoint.New(cpPath).Append("2024-06-01 12:00:00"))
	cutover := newTestCutOver(t, src, dst, baseMigration(), cpPath)
	require.NoError(t, cutover.Run(context.Background()))

	// The instant reconciliation inserted exactly the missing third row.
	assert.Equal(t, []string{`{"id":3,"ts":"2024-06-01 12:34:56"}`}, dst.insertedLines())

	assert.Equal(t, []string{"RENAME TABLE `events` TO `events_bak`"}, src.executed())
	assert.Equal(t, []string{"RENAME TABLE `events_v2` TO `events`"}, dst.executed())

	// Checkpoint file rotated away.
	done, err := checkpoint.New(cpPath).Load()
	require.NoError(t, err)
	assert.Empty(t, done)
}

func TestCutOverBackfillsLateRows(t *testing.T) {
	lateWindow := "`ts` >= '2024-06-01 13:00:00' AND `ts` < '2024-06-01 14:00:00'"
	src := newTestServer(t, map[string]string{
		"SELECT max(`ts`) AS max_time FROM `events_bak`": `{"max_time":"2024-06-01 12:34:56"}` + "\n",
		"FROM `events_bak` WHERE `ts` = '2024-06-01 12:34:56'": `{"id":1,"ts":"2024-06-01 12:34:56"}` + "\n",
		"FROM `events_bak` WHERE `ts` >= '2024-06-01 12:34:57'": `{"min_time":"2024-06-01 13:10:00","max_time":"2024-06-01 13:20:00"}` + "\n",
		"FROM `events_bak` WHERE " + lateWindow: `{"id":9,"ts":"2024-06-01 13:10:00"}` + "\n",
	})
	dst := newTestServer(t, map[string]string{
		"FROM `events_v2` WHERE `ts` = '2024-06-01 12:34:56'": `{"id":1,"ts":"2024-06-01 12:34:56"}` + "\n",
	})

	cutover := newTestCutOver(t, src, dst, baseMigration(), filepath.Join(t.TempDir(), "done.txt"))
	require.NoError(t, cutover.Run(context.Background()))

	// The reconciled instant was already complete; only the late row from
	// the back-fill window was inserted.
	assert.Equal(t, []string{`{"id":9,"ts":"2024-06-01 13:10:00"}`}, dst.insertedLines())
}

func TestCutOverEmptyBackupSkipsReconciliation(t *testing.T) {
	src := newTestServer(t, map[string]string{
		"SELECT max(`ts`) AS max_time FROM `events_bak`": `{"max_time":"1970-01-01 00:00:00"}` + "\n",
	})
	dst := newTestServer(t, map[string]string{})

	cutover := newTestCutOver(t, src, dst, baseMigration(), filepath.Join(t.TempDir(), "done.txt"))
	require.NoError(t, cutover.Run(context.Background()))

	assert.Empty(t, dst.insertedLines())
	assert.Equal(t, []string{"RENAME TABLE `events` TO `events_bak`"}, src.executed())
	assert.Equal(t, []string{"RENAME TABLE `events_v2` TO `events`"}, dst.executed())
}

func TestCutOverOnCluster(t *testing.T) {
	src := newTestServer(t, map[string]string{
		"SELECT max(`ts`) AS max_time FROM `events_bak`": `{"max_time":"1970-01-01 00:00:00"}` + "\n",
	})
	dst := newTestServer(t, map[string]string{})

	m := baseMigration()
	m.IsSrcDistributed = true
	m.IsDstDistributed = true
	m.ClusterName = "prod_cluster"
	cutover := newTestCutOver(t, src, dst, m, filepath.Join(t.TempDir(), "done.txt"))
	require.NoError(t, cutover.Run(context.Background()))

	assert.Equal(t, []string{"RENAME TABLE `events` TO `events_bak` ON CLUSTER `prod_cluster`"}, src.executed())
	assert.Equal(t, []string{"RENAME TABLE `events_v2` TO `events` ON CLUSTER `prod_cluster`"}, dst.executed())
}

func TestCutOverOnClusterRequiresBothFlagAndName(t *testing.T) {
	src := newTestServer(t, map[string]string{
		"SELECT max(`ts`) AS max_time FROM `events_bak`": `{"max_time":"1970-01-01 00:00:00"}` + "\n",
	})
	dst := newTestServer(t, map[string]string{})

	// Distributed flags without a cluster name: plain renames.
	m := baseMigration()
	m.IsSrcDistributed = true
	m.IsDstDistributed = true
	cutover := newTestCutOver(t, src, dst, m, filepath.Join(t.TempDir(), "done.txt"))
	require.NoError(t, cutover.Run(context.Background()))

	assert.Equal(t, []string{"RENAME TABLE `events` TO `events_bak`"}, src.executed())
	assert.Equal(t, []string{"RENAME TABLE `events_v2` TO `events`"}, dst.executed())
}

func TestNewCutOverValidation(t *testing.T) {
	client := clickhouse.NewClient(nil)
	ep := &clickhouse.Endpoint{BaseURL: "http://localhost:8123"}
	source := table.NewTableInfo(ep, "db", "events")
	dest := table.NewTableInfo(ep, "db", "events_v2")
	cp := checkpoint.New("done.txt")
	logger := logrus.New()

	_, err := NewCutOver(nil, source, dest, []string{"id"}, baseMigration(), cp, logger, nil)
	assert.Error(t, err)
	_, err = NewCutOver(client, nil, dest, []string{"id"}, baseMigration(), cp, logger, nil)
	assert.Error(t, err)
	_, err = NewCutOver(client, source, dest, nil, baseMigration(), cp, logger, nil)
	assert.Error(t, err)
	_, err = NewCutOver(client, source, dest, []string{"id"}, baseMigration(), nil, logger, nil)
	assert.Error(t, err)
}
