package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

var instancesBucket = []byte("instances")

// BoltStore implements Store with a single bbolt bucket of JSON documents.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt store requires a path")
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(instancesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveInstance(ctx context.Context, inst *models.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if v := b.Get([]byte(inst.ID)); v != nil {
			stored, err := storedVersion(v)
			if err != nil {
				return err
			}
			if stored > inst.Version {
				return nil
			}
		}
		return b.Put([]byte(inst.ID), data)
	})
}

func (s *BoltStore) GetInstance(ctx context.Context, id string) (*models.Instance, error) {
	var out models.Instance
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(instancesBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BoltStore) DeleteInstance(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucket).Delete([]byte(id))
	})
}

func (s *BoltStore) LoadInstances(ctx context.Context) ([]*models.Instance, error) {
	var out []*models.Instance
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var inst models.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			out = append(out, &inst)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
