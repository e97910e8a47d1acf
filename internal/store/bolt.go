package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFacilities = []byte("facilities")
	bucketAudit      = []byte("audit")
	bucketTrust      = []byte("trust")
	keyTrustAnchor   = []byte("ops_anchor")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketFacilities, bucketAudit, bucketTrust} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveFacility(f *Facility) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFacilities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFacilities)
		}
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return b.Put([]byte(f.ID), data)
	})
}

func (s *BoltStore) GetFacility(id string) (*Facility, error) {
	var f Facility
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFacilities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFacilities)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("facility %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) DeleteFacility(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFacilities)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFacilities)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListFacilities() ([]*Facility, error) {
	var facilities []*Facility
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFacilities)
		if b == nil {
			return nil // no bucket = no facilities
		}
		facilities = make([]*Facility, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var f Facility
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			facilities = append(facilities, &f)
			return nil
		})
	})
	return facilities, err
}

// AppendAudit writes an audit entry keyed by timestamp + ID so entries
// iterate in chronological order.
func (s *BoltStore) AppendAudit(e *AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAudit)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		key := make([]byte, 8+len(e.ID))
		binary.BigEndian.PutUint64(key[:8], uint64(e.TS.UnixNano()))
		copy(key[8:], e.ID)
		return b.Put(key, data)
	})
}

// ListAudit returns up to limit entries, newest first. limit <= 0 returns
// everything.
func (s *BoltStore) ListAudit(limit int) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
		}
		return nil
	})
	return entries, err
}

func (s *BoltStore) PutTrustAnchor(a *TrustAnchor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrust)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTrust)
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(keyTrustAnchor, data)
	})
}

func (s *BoltStore) GetTrustAnchor() (*TrustAnchor, error) {
	var a TrustAnchor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTrust)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTrust)
		}
		data := b.Get(keyTrustAnchor)
		if data == nil {
			return fmt.Errorf("trust anchor: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
