package keys

import (
	"bytes"
	"sort"
)

// Delta is one key-space mutation: an upsert, or a removal when Delete is set.
type Delta struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Put returns an upsert delta.
func Put(key, value []byte) Delta {
	if value == nil {
		value = []byte{}
	}
	return Delta{Key: key, Value: value}
}

// Remove returns a removal delta.
func Remove(key []byte) Delta {
	return Delta{Key: key, Delete: true}
}

// Compact keeps only the last delta for each key, preserving the position of
// that last occurrence.
func Compact(deltas []Delta) []Delta {
	if len(deltas) < 2 {
		return deltas
	}
	last := make(map[string]int, len(deltas))
	for i, d := range deltas {
		last[string(d.Key)] = i
	}
	out := make([]Delta, 0, len(last))
	for i, d := range deltas {
		if last[string(d.Key)] == i {
			out = append(out, d)
		}
	}
	return out
}

// SortByKey orders deltas by key. Callers must Compact first if keys may repeat.
func SortByKey(deltas []Delta) {
	sort.SliceStable(deltas, func(i, j int) bool {
		return bytes.Compare(deltas[i].Key, deltas[j].Key) < 0
	})
}
