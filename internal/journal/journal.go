// Package journal records the outcome of every mining round in a bbolt
// database.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var roundsBucket = []byte("Rounds")

// DefaultOpenTimeout bounds the wait for the file lock held by another
// process.
const DefaultOpenTimeout = time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

// Entry is one finished round.
type Entry struct {
	Seq      uint64        `json:"seq"`
	Round    uint64        `json:"round"`
	Time     time.Time     `json:"time"`
	Parent   string        `json:"parent"`
	Outcome  string        `json:"outcome"`
	Nonce    uint64        `json:"nonce,omitempty"`
	Hash     string        `json:"hash,omitempty"`
	Attempts uint64        `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
	Device   string        `json:"device,omitempty"`
	Pushed   bool          `json:"pushed,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Journal is an append-only log of rounds.
type Journal struct {
	db *bbolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(roundsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores e under the next sequence number and returns that number.
func (j *Journal) Append(e Entry) (uint64, error) {
	var seq uint64
	err := j.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(roundsBucket)
		if b == nil {
			return ErrClosed
		}
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		e.Seq = seq
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return b.Put(seqKey(seq), data)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		err = ErrClosed
	}
	return seq, err
}

// Recent returns up to limit entries, newest first. A limit of zero or less
// returns every entry.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(roundsBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		err = ErrClosed
	}
	return out, err
}

// Count returns the number of entries.
func (j *Journal) Count() (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(roundsBucket).Stats().KeyN
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		err = ErrClosed
	}
	return n, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
