package srvdis

import (
	"time"

	"github.com/gomesh/gomesh/engine/kvdb"
	kvdbtypes "github.com/gomesh/gomesh/engine/kvdb/types"
)

// Store is the slice of the shared cache the directory needs
type Store interface {
	Set(key string, val string, ttl time.Duration) error
	SetNXGet(key string, val string, ttl time.Duration) (old string, stored bool, err error)
	ScanPrefix(prefix string) ([]kvdbtypes.KVItem, error)
	Del(key string) error
}

type kvdbStore struct{}

// KVDBStore returns the Store backed by the shared kvdb
func KVDBStore() Store {
	return kvdbStore{}
}

func (kvdbStore) Set(key string, val string, ttl time.Duration) error {
	return kvdb.Set(key, val, ttl)
}

func (kvdbStore) SetNXGet(key string, val string, ttl time.Duration) (string, bool, error) {
	return kvdb.SetNXGet(key, val, ttl)
}

func (kvdbStore) ScanPrefix(prefix string) ([]kvdbtypes.KVItem, error) {
	return kvdb.ScanPrefix(prefix)
}

func (kvdbStore) Del(key string) error {
	return kvdb.Del(key)
}
