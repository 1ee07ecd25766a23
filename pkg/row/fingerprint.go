// Package row computes row fingerprints and copies partitions of rows
// between tables.
package row

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/goccy/go-json"

	"github.com/block/datacp/pkg/clickhouse"
)

var nullValue = []byte("null")

// SortedProjection returns the columns sorted lexicographically. The sorted
// order makes fingerprints independent of the order columns were read in.
func SortedProjection(columns []string) []string {
	projection := make([]string, len(columns))
	copy(projection, columns)
	sort.Strings(projection)
	return projection
}

// Fingerprint returns the lowercase hex SHA-256 of the row's canonical
// serialization: a JSON object whose keys are exactly projection, in order,
// with null filling any column the row is missing. Values pass through as
// their original parsed bytes with no coercion, so equal rows from either
// side of the copy hash identically.
func Fingerprint(r clickhouse.Row, projection []string) string {
	sum := sha256.Sum256(canonicalJSON(r, projection))
	return hex.EncodeToString(sum[:])
}

// canonicalJSON serializes r with the fixed key order of projection.
func canonicalJSON(r clickhouse.Row, projection []string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range projection {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(col)
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(valueOrNull(r, col))
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// EncodeBatch serializes rows as newline-delimited JSON objects with the
// given column order, suitable as a JSONEachRow insert payload. A trailing
// newline terminates the final row.
func EncodeBatch(rows []clickhouse.Row, columns []string) []byte {
	var buf bytes.Buffer
	for _, r := range rows {
		buf.Write(canonicalJSON(r, columns))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func valueOrNull(r clickhouse.Row, col string) []byte {
	v, ok := r[col]
	if !ok || len(v) == 0 || string(v) == "null" {
		return nullValue
	}
	return v
}
