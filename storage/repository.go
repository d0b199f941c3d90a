// Package storage provides the key/value abstraction used to persist
// client state between runs.
package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist in a bucket.
	ErrNotFound = errors.New("record not found")
	// ErrBucketNotFound is returned when a bucket has never been written.
	ErrBucketNotFound = errors.New("bucket not found")
)

// BatchTx provides Put and Delete within an atomic transaction.
// The bucket is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(key string, envelope *Envelope) error
	Delete(key string) error
}

// Repository defines the interface for envelope storage keyed by
// bucket and key.
type Repository interface {
	Put(bucket, key string, envelope *Envelope) error
	Get(bucket, key string) (*Envelope, error)
	Delete(bucket, key string) error
	List(bucket string) ([]string, error)
	Batch(bucket string, fn func(tx BatchTx) error) error
}
