// Package storage implements the key/value persistence contract that the
// asset engine's registries and content cache are built on (spec.md §6,
// "Storage contract" / "Settings storage contract"). Both contracts are the
// same shape — a flat key space of byte values — so a single Store
// implementation backs both cache storage and settings storage.
package storage

import "errors"

// ErrNotFound names a missing key. Neither Store implementation returns it:
// Get leaves keys that don't exist out of its result map.
var ErrNotFound = errors.New("storage: key not found")

// Store is the persistence contract external to the registries: a flat
// key/value space where values are opaque bytes. Registries marshal
// structured entries to JSON before calling Set and unmarshal after Get;
// content blobs are stored as their raw bytes.
type Store interface {
	// Get returns the values for the given keys. Keys with no stored value
	// are simply absent from the result map; Get never returns ErrNotFound
	// for a partial miss, only ever an I/O-level error.
	Get(keys ...string) (map[string][]byte, error)
	// Set writes the given key/value pairs, overwriting any existing values.
	Set(values map[string][]byte) error
	// Remove deletes the given keys. Removing an absent key is not an error.
	Remove(keys ...string) error
	// Close releases resources held by the store.
	Close() error
}
