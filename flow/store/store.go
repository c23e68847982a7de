// Package store provides Repository implementations: an in-memory
// store for tests and prototyping, SQLite for single-process
// persistence, MySQL for shared deployments, and Postgres via bun.
//
// All implementations satisfy the same contract: persisting and
// reloading an execution at any intermediate state (including paused)
// preserves its status, node runs, and open pause; pause updates and
// deletes are compare-and-set on the record version.
package store

import "encoding/json"

// deepCopy round-trips a value through JSON so callers never share
// mutable state with the store.
func deepCopy[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
