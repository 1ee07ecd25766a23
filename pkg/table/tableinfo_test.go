package table

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/datacp/pkg/clickhouse"
)

func TestSetInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "DESCRIBE TABLE `events`") {
			io.WriteString(w, `{"name":"id","type":"UInt64"}`+"\n"+`{"name":"ts","type":"DateTime"}`+"\n")
		}
	}))
	defer srv.Close()

	ep, err := clickhouse.ParseDSN("http://" + srv.Listener.Addr().String())
	require.NoError(t, err)
	ti := NewTableInfo(ep, "db_data", "events")
	assert.Equal(t, "`events`", ti.QuotedName())

	require.NoError(t, ti.SetInfo(context.Background(), clickhouse.NewClient(nil)))
	assert.Equal(t, []string{"id", "ts"}, ti.Columns)

	// A table with no columns is an error.
	empty := NewTableInfo(ep, "db_data", "missing")
	assert.Error(t, empty.SetInfo(context.Background(), clickhouse.NewClient(nil)))
}
