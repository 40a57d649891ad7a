package registry

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/halilibrahimkanpak/eeval/errdefs"
)

const (
	dsFieldContextID protowire.Number = 1
	dsFieldBatchSize protowire.Number = 2
	dsFieldCount     protowire.Number = 3
)

// DatasetRequest describes a dataset to register. Exactly one of ContextID
// and Context must be set; when Context is set it is registered first.
type DatasetRequest struct {
	ContextID string
	Context   []byte
	X         [][]byte // serialized encrypted features, one entry per batch
	Y         [][]byte // serialized encrypted labels
	BatchSize int
}

// Dataset is an immutable sequence of encrypted (x, y) entries.
type Dataset struct {
	ID        string
	ContextID string
	X         [][]byte
	Y         [][]byte
	BatchSize int
}

// Len returns the number of entries.
func (d *Dataset) Len() int { return len(d.X) }

// RegisterDataset validates and stores a dataset. It returns the context id
// (newly assigned when a context blob was supplied) and the dataset id. The
// context id is not checked for existence.
func (s *Store) RegisterDataset(req DatasetRequest) (contextID, datasetID string, err error) {
	const op = "registry.RegisterDataset"

	hasID, hasBlob := req.ContextID != "", req.Context != nil
	switch {
	case hasID && hasBlob:
		return "", "", errdefs.InvalidArgument(op, "either a context or a context id must be given, not both")
	case !hasID && !hasBlob:
		return "", "", errdefs.InvalidArgument(op, "a context or a context id is required")
	}
	if req.BatchSize < 1 {
		return "", "", errdefs.InvalidArgument(op, "batch size must be at least 1, got %d", req.BatchSize)
	}
	if len(req.X) != len(req.Y) {
		return "", "", errdefs.InvalidArgument(op, "got %d encrypted inputs but %d labels", len(req.X), len(req.Y))
	}

	datasetID, err = NewID()
	if err != nil {
		return "", "", err
	}

	// The context, if any, is written in the same batch as the dataset.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	contextID = req.ContextID
	if hasBlob {
		if contextID, err = s.putContext(wb, req.Context); err != nil {
			return "", "", errdefs.Internal(op, err)
		}
	}

	var meta []byte
	meta = protowire.AppendTag(meta, dsFieldContextID, protowire.BytesType)
	meta = protowire.AppendString(meta, contextID)
	meta = protowire.AppendTag(meta, dsFieldBatchSize, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(req.BatchSize))
	meta = protowire.AppendTag(meta, dsFieldCount, protowire.VarintType)
	meta = protowire.AppendVarint(meta, uint64(len(req.X)))

	key := DatasetPrefix + datasetID
	if err := wb.SetEntry(s.entry(key, meta)); err != nil {
		return "", "", errdefs.Internal(op, fmt.Errorf("error writing dataset header: %w", err))
	}
	for i := range req.X {
		if err := s.putBlob(wb, entryKey(key, "x", i), req.X[i]); err != nil {
			return "", "", errdefs.Internal(op, err)
		}
		if err := s.putBlob(wb, entryKey(key, "y", i), req.Y[i]); err != nil {
			return "", "", errdefs.Internal(op, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return "", "", errdefs.Internal(op, fmt.Errorf("error flushing batch: %w", err))
	}

	s.log.WithFields(logrus.Fields{
		"dataset_id": datasetID,
		"context_id": contextID,
		"entries":    len(req.X),
		"batch_size": req.BatchSize,
	}).Debug("dataset registered")
	return contextID, datasetID, nil
}

// GetDataset returns the dataset stored under id.
func (s *Store) GetDataset(id string) (*Dataset, error) {
	const op = "registry.GetDataset"

	if !validID(id) {
		return nil, errdefs.NotFound(op, "dataset `%s` can't be found", id)
	}
	ds := &Dataset{ID: id}
	key := DatasetPrefix + id
	err := s.db.View(func(txn *badger.Txn) error {
		meta, err := getValue(txn, key)
		if err != nil {
			return err
		}
		count, err := ds.decodeMeta(meta)
		if err != nil {
			return err
		}
		ds.X = make([][]byte, count)
		ds.Y = make([][]byte, count)
		for i := 0; i < count; i++ {
			if ds.X[i], err = getBlob(txn, entryKey(key, "x", i)); err != nil {
				return notFoundAsCorrupt(err, i)
			}
			if ds.Y[i], err = getBlob(txn, entryKey(key, "y", i)); err != nil {
				return notFoundAsCorrupt(err, i)
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errdefs.NotFound(op, "dataset `%s` can't be found", id)
	}
	if err != nil {
		return nil, errdefs.Internal(op, err)
	}
	return ds, nil
}

func (d *Dataset) decodeMeta(b []byte) (count int, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("corrupt dataset header: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == dsFieldContextID && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return 0, fmt.Errorf("corrupt dataset header: %w", protowire.ParseError(m))
			}
			d.ContextID, n = v, m
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return 0, fmt.Errorf("corrupt dataset header: %w", protowire.ParseError(m))
			}
			switch num {
			case dsFieldBatchSize:
				d.BatchSize = int(v)
			case dsFieldCount:
				count = int(v)
			}
			n = m
		default:
			return 0, fmt.Errorf("corrupt dataset header: unexpected field %d", num)
		}
		b = b[n:]
	}
	return count, nil
}

func entryKey(key, kind string, i int) string {
	return fmt.Sprintf("%s/%s%06d", key, kind, i)
}

func notFoundAsCorrupt(err error, i int) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("entry %d of the dataset is missing", i)
	}
	return err
}
