package detect

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("nat_records")

// BboltStore is the default single-instance Store backend. Records
// are cbor-encoded, the same self-describing codec used for the root
// control protocol.
type BboltStore struct {
	db *bolt.DB
}

// OpenBboltStore opens (creating if absent) a bbolt database at path.
func OpenBboltStore(path string) (*BboltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("detect: open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("detect: create bucket: %w", err)
	}
	return &BboltStore{db: db}, nil
}

func (s *BboltStore) Get(name string) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		v := b.Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return cbor.Unmarshal(v, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("detect: bbolt get %q: %w", name, err)
	}
	return rec, found, nil
}

func (s *BboltStore) Put(rec Record) error {
	enc, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("detect: encode record: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(rec.Name), enc)
	})
	if err != nil {
		return fmt.Errorf("detect: bbolt put %q: %w", rec.Name, err)
	}
	return nil
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
