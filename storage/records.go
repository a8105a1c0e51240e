package storage

import (
	"errors"
	"strings"

	"meshsync/protocol"
)

const (
	metadataPrefix = "meta:"
	recordPrefix   = "record:"
)

// MetadataStore is the small key/value surface other components use to
// persist state across restarts, e.g. the coordinator's peer table.
type MetadataStore interface {
	GetMetadata(key string) (string, bool, error)
	SetMetadata(key, value string) error
}

// RecordStore is the record-lookup surface consumed during reconciliation.
type RecordStore interface {
	Contains(hash protocol.ContentHash) (bool, error)
	Get(hash protocol.ContentHash) ([]byte, error)
	Put(data []byte) (protocol.ContentHash, error)
	// Find returns hashes whose hex form starts with the pattern; an
	// empty pattern enumerates everything up to limit.
	Find(pattern string, limit int) ([]protocol.ContentHash, error)
}

// Store implements MetadataStore and RecordStore on any Database.
type Store struct {
	db Database
}

// NewStore wraps a database with the metadata and record interfaces.
func NewStore(db Database) *Store {
	return &Store{db: db}
}

func (s *Store) GetMetadata(key string) (string, bool, error) {
	value, err := s.db.Get([]byte(metadataPrefix + key))
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (s *Store) SetMetadata(key, value string) error {
	return s.db.Put([]byte(metadataPrefix+key), []byte(value))
}

func (s *Store) Contains(hash protocol.ContentHash) (bool, error) {
	return s.db.Has([]byte(recordPrefix + hash.Hex()))
}

func (s *Store) Get(hash protocol.ContentHash) ([]byte, error) {
	return s.db.Get([]byte(recordPrefix + hash.Hex()))
}

// Put stores a record under its content hash and returns the hash.
func (s *Store) Put(data []byte) (protocol.ContentHash, error) {
	hash := protocol.HashRecord(data)
	if err := s.db.Put([]byte(recordPrefix+hash.Hex()), data); err != nil {
		return protocol.ContentHash{}, err
	}
	return hash, nil
}

func (s *Store) Find(pattern string, limit int) ([]protocol.ContentHash, error) {
	if limit <= 0 {
		limit = 1000
	}
	prefix := recordPrefix + strings.ToLower(pattern)
	var out []protocol.ContentHash
	err := s.db.IteratePrefix([]byte(prefix), func(key, _ []byte) bool {
		hexPart := strings.TrimPrefix(string(key), recordPrefix)
		hash, parseErr := protocol.ParseHash(hexPart)
		if parseErr != nil {
			return true
		}
		out = append(out, hash)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
