package corpus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	aidetect "github.com/anatolykoptev/go-aidetect"
)

// DefaultBucket holds corpus entries keyed by ID.
const DefaultBucket = "corpus"

// boltRecord is the JSON value stored under each ID.
type boltRecord struct {
	Label  string          `json:"label,omitempty"`
	Vector aidetect.Vector `json:"vector"`
}

// BoltStore keeps the corpus in a single BoltDB bucket.
type BoltStore struct {
	db     *bbolt.DB
	bucket []byte
}

// OpenBolt opens (or creates) the BoltDB file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt corpus %s", path)
	}
	return NewBolt(db, DefaultBucket), nil
}

// NewBolt wraps an open database.
func NewBolt(db *bbolt.DB, bucket string) *BoltStore {
	return &BoltStore{db: db, bucket: []byte(bucket)}
}

// Load implements aidetect.CorpusLoader. Entries come back in key order.
// Respects context cancellation during iteration.
func (s *BoltStore) Load(ctx context.Context) ([]aidetect.CorpusEntry, error) {
	var entries []aidetect.CorpusEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrapf(err, "decode corpus entry %q", k)
			}
			entries = append(entries, aidetect.CorpusEntry{
				ID:     string(k),
				Vector: rec.Vector,
				Label:  rec.Label,
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "load bolt corpus")
	}
	return entries, nil
}

// Add implements Store.
func (s *BoltStore) Add(_ context.Context, entries ...aidetect.CorpusEntry) error {
	if err := checkEntries(entries); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return errors.Wrap(err, "create corpus bucket")
		}
		for _, e := range entries {
			data, err := json.Marshal(boltRecord{Label: e.Label, Vector: e.Vector})
			if err != nil {
				return errors.Wrapf(err, "encode corpus entry %q", e.ID)
			}
			if err := b.Put([]byte(e.ID), data); err != nil {
				return errors.Wrapf(err, "put corpus entry %q", e.ID)
			}
		}
		return nil
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
