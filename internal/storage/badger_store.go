package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

var instancePrefix = []byte("instance:")

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger database at path, or an in-memory one when
// path is empty.
func NewBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
		opts = opts.WithValueLogFileSize(1 << 20) // smaller value log for local dev
	}
	opts.Logger = nil // badger logs are noisy and unstructured
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func instanceKey(id string) []byte {
	return append(append([]byte(nil), instancePrefix...), id...)
}

func (s *BadgerStore) SaveInstance(ctx context.Context, inst *models.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := instanceKey(inst.ID)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			var stored uint64
			if err := item.Value(func(v []byte) error {
				stored, err = storedVersion(v)
				return err
			}); err != nil {
				return err
			}
			if stored > inst.Version {
				return nil
			}
		}
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(instanceKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) DeleteInstance(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(instanceKey(id))
	})
}

func (s *BadgerStore) LoadInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = instancePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(instancePrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var inst models.Instance
			err := item.Value(func(v []byte) error {
				return json.NewDecoder(bytes.NewReader(v)).Decode(&inst)
			})
			if err != nil {
				return err
			}
			out = append(out, &inst)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
