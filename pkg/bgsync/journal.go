package bgsync

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/starfall-game/starcore/pkg/types"
)

var opsBucket = []byte("pending_ops")

// Record is a journaled operation plus its stable sequence key.
type Record struct {
	Seq uint64
	Op  types.PendingOp
}

// Journal is the durable FIFO of writes waiting to reach the backend.
// Keys are monotonic sequence numbers, so iteration order is insertion
// order and the queue survives restarts.
type Journal struct {
	db *bolt.DB
}

// OpenJournal opens or creates the journal file.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bgsync: open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(opsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bgsync: create bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append journals an operation at the tail. A missing ID is minted.
func (j *Journal) Append(op types.PendingOp) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(opsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("bgsync: sequence: %w", err)
		}
		value, err := json.Marshal(op)
		if err != nil {
			return fmt.Errorf("bgsync: encode op: %w", err)
		}
		return b.Put(seqKey(seq), value)
	})
}

// List returns all pending records in FIFO order.
func (j *Journal) List() ([]Record, error) {
	var out []Record
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).ForEach(func(k, v []byte) error {
			var op types.PendingOp
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("bgsync: decode op: %w", err)
			}
			out = append(out, Record{Seq: binary.BigEndian.Uint64(k), Op: op})
			return nil
		})
	})
	return out, err
}

// Remove deletes one record by sequence.
func (j *Journal) Remove(seq uint64) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(opsBucket).Delete(seqKey(seq))
	})
}

// Update rewrites a record in place, preserving its queue position.
func (j *Journal) Update(rec Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(rec.Op)
		if err != nil {
			return fmt.Errorf("bgsync: encode op: %w", err)
		}
		return tx.Bucket(opsBucket).Put(seqKey(rec.Seq), value)
	})
}

// Count returns the number of pending records.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(opsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
