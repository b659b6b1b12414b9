// Package bbolt provides a BBolt-backed storage.Snapshotter.
package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"

	icrypto "github.com/jmcleod/acers/internal/crypto"
	"github.com/jmcleod/acers/storage"
)

// DefaultBucket is the bucket holding the snapshot when none is configured.
const DefaultBucket = "tokens"

const aadVersion = 1

// Store implements storage.Snapshotter backed by a BBolt database. Each
// record is stored under its position in the snapshot. When a sealing
// secret is configured, records are AES-256-GCM sealed.
type Store struct {
	db      *bbolt.DB
	bucket  string
	sealKey *memguard.Enclave
}

var _ storage.Snapshotter = (*Store)(nil)

// Option configures a Store.
type Option func(*Store) error

// WithBucket stores the snapshot in the named bucket.
func WithBucket(name string) Option {
	return func(s *Store) error {
		if name == "" {
			return errors.New("bucket name must not be empty")
		}
		s.bucket = name
		return nil
	}
}

// WithSealingSecret seals every record with a key derived from secret.
func WithSealingSecret(secret []byte) Option {
	return func(s *Store) error {
		k, err := icrypto.DeriveSnapshotKey(secret, s.bucket)
		if err != nil {
			return fmt.Errorf("deriving snapshot key: %w", err)
		}
		s.sealKey = memguard.NewEnclave(k)
		return nil
	}
}

// NewRepository returns a Store backed by the given BBolt database.
// Options are applied in order, so WithBucket must precede
// WithSealingSecret.
func NewRepository(db *bbolt.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, bucket: DefaultBucket}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Store.
func NewRepositoryFromFile(path string, options *bbolt.Options, opts ...Option) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

func (s *Store) Save(records []storage.Record) error {
	var sealKey []byte
	if s.sealKey != nil {
		buf, err := s.sealKey.Open()
		if err != nil {
			return fmt.Errorf("opening snapshot key: %w", err)
		}
		defer buf.Destroy()
		sealKey = buf.Bytes()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(s.bucket)) != nil {
			if err := tx.DeleteBucket([]byte(s.bucket)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(s.bucket))
		if err != nil {
			return err
		}
		for i, r := range records {
			var data []byte
			var err error
			if sealKey != nil {
				data, err = storage.SealSnapshotRecord(sealKey, r, icrypto.AADSnapshotRecord(s.bucket, uint64(i), aadVersion))
				if err != nil {
					return fmt.Errorf("sealing record %d: %w", i, err)
				}
			} else if data, err = json.Marshal(r); err != nil {
				return err
			}
			if err := b.Put(recordKey(uint64(i)), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Load() ([]storage.Record, error) {
	var sealKey []byte
	if s.sealKey != nil {
		buf, err := s.sealKey.Open()
		if err != nil {
			return nil, fmt.Errorf("opening snapshot key: %w", err)
		}
		defer buf.Destroy()
		sealKey = buf.Bytes()
	}

	var records []storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(s.bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("%w: key %x", storage.ErrCorrupt, k)
			}
			if sealKey != nil {
				r, err := storage.OpenSnapshotRecord(sealKey, v, icrypto.AADSnapshotRecord(s.bucket, binary.BigEndian.Uint64(k), aadVersion))
				if err != nil {
					return err
				}
				records = append(records, r)
				return nil
			}
			var r storage.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("%w: %w", storage.ErrCorrupt, err)
			}
			records = append(records, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
