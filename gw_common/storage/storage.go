// Package storage implements the event storage contract (C1): a durable
// FIFO of opaque serialized events with idempotent batch checkout/commit,
// grounded on the teacher's ap.watchd/droplog.go trim-by-id log pattern,
// adapted here from a trim-on-overflow drop log into a checkout/commit
// uplink queue with three selectable backends.
package storage

import "context"

// Backend is the contract every storage implementation satisfies (spec.md
// §4.1). All three backends (memory, file, sqlite) share this interface so
// the uplink pipeline (C4) never knows which one is configured.
type Backend interface {
	// Put appends an event. The bool return indicates acceptance; false
	// means the backend's capacity is exhausted and the caller (ingress)
	// should apply backpressure.
	Put(ctx context.Context, event []byte) (bool, error)

	// GetEventPack returns up to the backend's configured batch size of
	// events. Checkout is idempotent: repeated calls without an
	// intervening EventPackProcessingDone return the same pack, so a
	// crash mid-uplink redelivers it (at-least-once delivery).
	GetEventPack(ctx context.Context) ([][]byte, error)

	// EventPackProcessingDone retires the current checkout. The next
	// GetEventPack call returns the following pack.
	EventPackProcessingDone(ctx context.Context) error

	// Stop flushes and releases any resources (file handles, DB
	// connections). Safe to call once during shutdown.
	Stop() error
}

// Config carries the backend-selection and tuning fields read from
// storage.* in the gateway configuration (spec.md §6).
type Config struct {
	Type string // "memory", "file", or "sqlite"

	// BatchSize bounds how many events GetEventPack returns at once.
	BatchSize int

	// Capacity bounds the backend's outstanding event count; Put returns
	// false once reached. Zero means unbounded, for every backend.
	Capacity int

	// Dir is the directory the file and sqlite backends persist into.
	Dir string
}

// DefaultBatchSize matches the teacher's droplog default pack pull size
// where the corpus doesn't otherwise state one.
const DefaultBatchSize = 100
