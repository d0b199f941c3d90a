// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/jmcleod/strongbox/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and for clients that must not touch disk.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(bucket, key string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(bucket, key, envelope)
}

func (r *Repository) putLocked(bucket, key string, envelope *storage.Envelope) error {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Envelope)
	}
	r.data[bucket][key] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(bucket, key string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.data[bucket]
	if !ok {
		return nil, storage.ErrBucketNotFound
	}
	env, ok := b[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) List(bucket string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.data[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Repository) Delete(bucket, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(bucket, key)
}

func (r *Repository) deleteLocked(bucket, key string) error {
	b, ok := r.data[bucket]
	if !ok {
		return storage.ErrBucketNotFound
	}
	if _, ok := b[key]; !ok {
		return storage.ErrNotFound
	}
	delete(b, key)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotBucket(bucket)

	tx := &memoryBatchTx{repo: r, bucket: bucket}
	if err := fn(tx); err != nil {
		r.restoreBucket(bucket, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotBucket(bucket string) map[string]*storage.Envelope {
	original, ok := r.data[bucket]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = cloneEnvelope(v)
	}
	return cp
}

func (r *Repository) restoreBucket(bucket string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, bucket)
	} else {
		r.data[bucket] = snapshot
	}
}

type memoryBatchTx struct {
	repo   *Repository
	bucket string
}

func (tx *memoryBatchTx) Put(key string, envelope *storage.Envelope) error {
	return tx.repo.putLocked(tx.bucket, key, envelope)
}

// Delete inside a batch is idempotent.
func (tx *memoryBatchTx) Delete(key string) error {
	if b, ok := tx.repo.data[tx.bucket]; ok {
		delete(b, key)
	}
	return nil
}
