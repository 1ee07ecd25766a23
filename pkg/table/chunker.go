package table

import (
	"fmt"
	"time"

	"github.com/block/datacp/pkg/utils"
)

// A partition key is an hour-aligned timestamp denoting the half-open
// window [key, key+1h).

// PlanKeys returns the ascending partition keys whose windows cover
// [min, max), excluding keys already present in done. The first key is
// min truncated to the top of its hour, so a mid-hour min still lands
// inside the first window. Keys at or after max are not emitted; a row
// exactly at max is left to the cut-over reconciliation.
func PlanKeys(minTime, maxTime string, done map[string]struct{}) ([]string, error) {
	start, err := utils.ParseTime(minTime)
	if err != nil {
		return nil, fmt.Errorf("planning partitions: %w", err)
	}
	end, err := utils.ParseTime(maxTime)
	if err != nil {
		return nil, fmt.Errorf("planning partitions: %w", err)
	}
	var keys []string
	for t := start.Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		key := utils.FormatTime(t)
		if _, ok := done[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Shard splits keys into at most parallelism contiguous chunks of roughly
// equal length. Fewer, smaller chunks are produced when there are not
// enough keys.
func Shard(keys []string, parallelism int) [][]string {
	if len(keys) == 0 || parallelism <= 0 {
		return nil
	}
	chunkSize := (len(keys) + parallelism - 1) / parallelism
	var chunks [][]string
	for i := 0; i < len(keys); i += chunkSize {
		end := i + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunks = append(chunks, keys[i:end])
	}
	return chunks
}
