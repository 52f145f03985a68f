// Package kv provides the small durable key-value store used to persist
// in-flight task ids across console restarts. Implementations must tolerate
// repeated Remove calls and overwrite on Set.
package kv

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is the injected persistence boundary for persisted task refs.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}
