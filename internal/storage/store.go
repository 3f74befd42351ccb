package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Store interface (kept minimal, allows swapping implementations).
// SaveInstance never replaces a record that has a higher version, so
// concurrent write-through saves may arrive in any order.
type Store interface {
	SaveInstance(ctx context.Context, inst *models.Instance) error
	GetInstance(ctx context.Context, id string) (*models.Instance, error)
	DeleteInstance(ctx context.Context, id string) error
	LoadInstances(ctx context.Context) ([]*models.Instance, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverBadger = "badger"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Config selects and configures a driver. An empty Path opens badger and
// sqlite in memory; bolt always needs a file.
type Config struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// Open creates the store described by cfg.
func Open(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case DriverBadger, "":
		s, err = asStore(NewBadgerStore(cfg.Path))
	case DriverBolt:
		s, err = asStore(NewBoltStore(cfg.Path))
	case DriverSQLite:
		s, err = asStore(NewSQLiteStore(cfg.Path))
	case DriverMemory:
		s = Nop{}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return s, nil
}

// asStore avoids returning a typed nil inside a non-nil interface.
func asStore[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Nop discards writes. It backs purely in-memory deployments.
type Nop struct{}

func (Nop) SaveInstance(context.Context, *models.Instance) error { return nil }

func (Nop) GetInstance(context.Context, string) (*models.Instance, error) {
	return nil, ErrNotFound
}

func (Nop) DeleteInstance(context.Context, string) error { return nil }

func (Nop) LoadInstances(context.Context) ([]*models.Instance, error) { return nil, nil }

func (Nop) Close() error { return nil }

// storedVersion decodes only the version of a JSON encoded instance.
func storedVersion(data []byte) (uint64, error) {
	var v struct {
		Version uint64 `json:"version"`
	}
	err := json.Unmarshal(data, &v)
	return v.Version, err
}
