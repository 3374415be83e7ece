// Package progstore provides persistent storage for program ELF images.
//
// Images are zstd-compressed on disk and checked against a stored
// sha256 digest when read back, so a corrupted database entry can never
// reach the loader.
package progstore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/loader"
)

var (
	// ErrNotFound is returned when no image exists for a pubkey.
	ErrNotFound = errors.New("program image not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")

	// ErrCorrupted is returned when a stored image fails its
	// integrity check.
	ErrCorrupted = errors.New("program image corrupted")

	// ErrTooLarge is returned when an image exceeds the loader limit.
	ErrTooLarge = errors.New("program image too large")
)

// bucketImages stores image entries keyed by pubkey.
var bucketImages = []byte("images")

// Entry layout: sha256 digest (32) | raw length (8, LE) | zstd frame.
const entryHeaderSize = 32 + 8

// Config holds store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// Store is a bbolt-backed program image store.
type Store struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu     sync.Mutex
	closed bool
}

// Open creates or opens a program store at config.Path.
func Open(config Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketImages)
			return err
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Put stores an image under key, replacing any previous one.
func (s *Store) Put(key types.Pubkey, image []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	if len(image) > loader.MaxELFSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(image))
	}

	digest := sha256.Sum256(image)
	entry := make([]byte, entryHeaderSize, entryHeaderSize+len(image)/2)
	copy(entry[0:32], digest[:])
	binary.LittleEndian.PutUint64(entry[32:40], uint64(len(image)))
	entry = s.encoder.EncodeAll(image, entry)

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put(key[:], entry)
	})
}

// GetImage returns the raw image stored under key, verifying its
// digest. Satisfies runner.ImageSource.
func (s *Store) GetImage(key types.Pubkey) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var entry []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		v := b.Get(key[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		entry = make([]byte, len(v))
		copy(entry, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(entry) < entryHeaderSize {
		return nil, fmt.Errorf("%w: truncated entry for %s", ErrCorrupted, key)
	}
	rawLen := binary.LittleEndian.Uint64(entry[32:40])
	if rawLen > loader.MaxELFSize {
		return nil, fmt.Errorf("%w: implausible length %d for %s", ErrCorrupted, rawLen, key)
	}

	image, err := s.decoder.DecodeAll(entry[entryHeaderSize:], make([]byte, 0, rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if uint64(len(image)) != rawLen {
		return nil, fmt.Errorf("%w: length mismatch for %s", ErrCorrupted, key)
	}
	if sha256.Sum256(image) != [32]byte(entry[0:32]) {
		return nil, fmt.Errorf("%w: digest mismatch for %s", ErrCorrupted, key)
	}

	return image, nil
}

// Has reports whether an image exists for key.
func (s *Store) Has(key types.Pubkey) bool {
	if err := s.check(); err != nil {
		return false
	}
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketImages); b != nil {
			found = b.Get(key[:]) != nil
		}
		return nil
	})
	return found
}

// Delete removes the image stored under key, if any.
func (s *Store) Delete(key types.Pubkey) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Delete(key[:])
	})
}

// List returns the pubkeys of all stored images.
func (s *Store) List() ([]types.Pubkey, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	var keys []types.Pubkey
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketImages)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			key, err := types.PubkeyFromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: malformed key %x", ErrCorrupted, k)
			}
			keys = append(keys, key)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Count returns the number of stored images.
func (s *Store) Count() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketImages); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, nil
}

// Close releases the database and codec resources. Further calls on
// the store return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
