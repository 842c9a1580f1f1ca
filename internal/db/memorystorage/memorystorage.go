// Package memorystorage is the default backend: the JSON document store
// without a backing file.
package memorystorage

import (
	"github.com/patric-chuzhbe/merneats/internal/db/jsondb"
)

// MemoryStorage keeps everything in process memory; data is lost on exit.
type MemoryStorage struct {
	*jsondb.JSONDB
}

// New returns an empty store.
func New() (*MemoryStorage, error) {
	db, err := jsondb.New("")
	if err != nil {
		return nil, err
	}

	return &MemoryStorage{JSONDB: db}, nil
}

// Close is a no-op.
func (theStorage *MemoryStorage) Close() error {
	return nil
}
