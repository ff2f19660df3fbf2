// Package localstore is the durable client-side store. It keeps the local
// replica of synced entities, the mutation outbox and the stream cursors in
// one bbolt file so that a local effect, its outbox entry and a cursor advance
// can commit in a single transaction.
//
// Values are CBOR encoded. Keys are entity ids, or composite ids joined with
// ':' for relations. Outbox keys are 8-byte big-endian sequence numbers, so a
// cursor walk returns entries in enqueue order.
package localstore

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nodesync/nodesync/internal/codec"
)

var (
	bucketNodes          = []byte("nodes")
	bucketDocuments      = []byte("documents")
	bucketReactions      = []byte("reactions")
	bucketInteractions   = []byte("interactions")
	bucketCollaborations = []byte("collaborations")
	bucketOutbox         = []byte("outbox")
	bucketOutboxIndex    = []byte("outbox_index")
	bucketRejected       = []byte("rejected")
	bucketCursors        = []byte("cursors")
	bucketMeta           = []byte("meta")

	allBuckets = [][]byte{
		bucketNodes,
		bucketDocuments,
		bucketReactions,
		bucketInteractions,
		bucketCollaborations,
		bucketOutbox,
		bucketOutboxIndex,
		bucketRejected,
		bucketCursors,
		bucketMeta,
	}
)

var (
	ErrNotFound = errors.New("localstore: not found")
	ErrNoBucket = errors.New("localstore: no bucket")
)

// Store wraps a bbolt database.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.db.Path()
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Update runs fn in a read-write transaction. Any error returned by fn rolls
// back every write made through tx.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Tx is a transaction over the store.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) bucket(name []byte) (*bolt.Bucket, error) {
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoBucket, name)
	}
	return b, nil
}

func (t *Tx) get(name []byte, key string, dst any) error {
	b, err := t.bucket(name)
	if err != nil {
		return err
	}
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	if err := codec.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s/%s: %w", name, key, err)
	}
	return nil
}

func (t *Tx) put(name []byte, key string, v any) error {
	b, err := t.bucket(name)
	if err != nil {
		return err
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", name, key, err)
	}
	return b.Put([]byte(key), data)
}

func (t *Tx) delete(name []byte, key string) error {
	b, err := t.bucket(name)
	if err != nil {
		return err
	}
	return b.Delete([]byte(key))
}

// forEach decodes every value of a bucket into a fresh T, in key order.
func forEach[T any](t *Tx, name []byte, prefix string, fn func(key string, v *T) error) error {
	b, err := t.bucket(name)
	if err != nil {
		return err
	}
	c := b.Cursor()
	var k, data []byte
	if prefix == "" {
		k, data = c.First()
	} else {
		k, data = c.Seek([]byte(prefix))
	}
	for ; k != nil; k, data = c.Next() {
		if prefix != "" && !hasPrefix(k, prefix) {
			break
		}
		v := new(T)
		if err := codec.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", name, k, err)
		}
		if err := fn(string(k), v); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(k []byte, prefix string) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == prefix
}

func marshal(v any) ([]byte, error) { return codec.Marshal(v) }

func unmarshal(data []byte, dst any) error { return codec.Unmarshal(data, dst) }
