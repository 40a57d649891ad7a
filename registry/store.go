// Package registry stores encryption contexts and encrypted datasets under
// opaque identifiers, independently of the request that created them.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

const (
	// Key prefixes for the different records in BadgerDB
	ContextPrefix = "ctx:"
	DatasetPrefix = "ds:"

	// chunkSize keeps every value below the in-memory value threshold.
	chunkSize = 512 << 10

	idBytes = 32
)

// Options configures a Store.
type Options struct {
	// TTL bounds the lifetime of every record. Zero keeps records for the
	// lifetime of the store.
	TTL    time.Duration
	Logger *logrus.Logger
}

// Store is an in-memory registry of contexts and datasets. It is safe for
// concurrent use.
type Store struct {
	db  *badger.DB
	ttl time.Duration
	log *logrus.Logger
}

// Open creates an empty in-memory store.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.TTL < 0 {
		return nil, errdefs.InvalidArgument("registry.Open", "negative TTL %s", opts.TTL)
	}

	bopts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(opts.Logger).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errdefs.Internal("registry.Open", fmt.Errorf("error opening badger: %w", err))
	}

	opts.Logger.WithFields(logrus.Fields{"ttl": opts.TTL}).Debug("registry opened")
	return &Store{db: db, ttl: opts.TTL, log: opts.Logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NewID returns 32 random bytes, hex encoded. Collisions are not checked.
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errdefs.Internal("registry.NewID", fmt.Errorf("error reading random bytes: %w", err))
	}
	return hex.EncodeToString(b), nil
}

// RegisterContext stores a serialized context and returns its identifier.
func (s *Store) RegisterContext(blob []byte) (string, error) {
	const op = "registry.RegisterContext"

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	id, err := s.putContext(wb, blob)
	if err != nil {
		return "", errdefs.Internal(op, err)
	}
	if err := wb.Flush(); err != nil {
		return "", errdefs.Internal(op, fmt.Errorf("error flushing batch: %w", err))
	}

	s.log.WithFields(logrus.Fields{"context_id": id, "bytes": len(blob)}).Debug("context registered")
	return id, nil
}

// putContext adds a context under a fresh identifier to wb.
func (s *Store) putContext(wb *badger.WriteBatch, blob []byte) (string, error) {
	id, err := NewID()
	if err != nil {
		return "", err
	}
	if err := s.putBlob(wb, ContextPrefix+id, blob); err != nil {
		return "", err
	}
	return id, nil
}

// GetContext returns the serialized context stored under id.
func (s *Store) GetContext(id string) ([]byte, error) {
	if !validID(id) {
		return nil, errdefs.NotFound("registry.GetContext", "context `%s` can't be found", id)
	}
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		blob, err = getBlob(txn, ContextPrefix+id)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errdefs.NotFound("registry.GetContext", "context `%s` can't be found", id)
	}
	if err != nil {
		return nil, errdefs.Internal("registry.GetContext", err)
	}
	return blob, nil
}

// validID reports whether id has the shape of an identifier returned by NewID.
// Anything else can't name a record and must not reach the keyspace, where
// it could alias a chunk key.
func validID(id string) bool {
	if len(id) != 2*idBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// putBlob splits data into chunks written under key/NNNNNN and writes a
// header under key holding the chunk count.
func (s *Store) putBlob(wb *badger.WriteBatch, key string, data []byte) error {
	chunks := (len(data) + chunkSize - 1) / chunkSize

	header := protowire.AppendVarint(nil, uint64(chunks))
	if err := wb.SetEntry(s.entry(key, header)); err != nil {
		return fmt.Errorf("error writing %s: %w", key, err)
	}
	for i := 0; i < chunks; i++ {
		end := min((i+1)*chunkSize, len(data))
		if err := wb.SetEntry(s.entry(chunkKey(key, i), data[i*chunkSize:end])); err != nil {
			return fmt.Errorf("error writing chunk %d of %s: %w", i, key, err)
		}
	}
	return nil
}

func (s *Store) entry(key string, value []byte) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if s.ttl > 0 {
		e = e.WithTTL(s.ttl)
	}
	return e
}

func chunkKey(key string, i int) string {
	return fmt.Sprintf("%s/%06d", key, i)
}

// getBlob reassembles a blob written by putBlob. A missing header yields
// badger.ErrKeyNotFound.
func getBlob(txn *badger.Txn, key string) ([]byte, error) {
	header, err := getValue(txn, key)
	if err != nil {
		return nil, err
	}
	chunks, n := protowire.ConsumeVarint(header)
	if n < 0 {
		return nil, fmt.Errorf("corrupt header for %s", key)
	}

	var data []byte
	for i := 0; i < int(chunks); i++ {
		chunk, err := getValue(txn, chunkKey(key, i))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil, fmt.Errorf("chunk %d of %s is missing", i, key)
			}
			return nil, err
		}
		data = append(data, chunk...)
	}
	return data, nil
}

func getValue(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
