// Package state merges the incremental replication state observed during a
// run and persists it through the storage backend. Bookmarks are per-stream
// and partial: a later STATE message for stream A must never erase an
// unrelated bookmark for stream B from an earlier message or from the prior
// persisted blob.
package state

import "maps"

// Merge deep-merges src onto dst and returns the result. Object keys
// recurse; non-object leaves from src unconditionally replace the
// corresponding leaf in dst; keys present only in dst are preserved.
// Neither input is mutated. Merge is deterministic and idempotent:
// Merge(X, X) == X.
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil && src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(dst)+len(src))
	maps.Copy(out, dst)

	for k, v := range src {
		newMap, newIsMap := v.(map[string]any)
		oldMap, oldIsMap := out[k].(map[string]any)
		if newIsMap && oldIsMap {
			out[k] = Merge(oldMap, newMap)
			continue
		}
		out[k] = v
	}
	return out
}

// Fold merges an ordered sequence of STATE values left to right, later
// values winning at every leaf.
func Fold(values []map[string]any) map[string]any {
	acc := map[string]any{}
	for _, v := range values {
		acc = Merge(acc, v)
	}
	return acc
}
