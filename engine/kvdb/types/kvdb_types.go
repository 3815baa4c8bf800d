package kvdbtypes

import "time"

// KVDBEngine defines the interface of a KVDB engine implementation
type KVDBEngine interface {
	Get(key string) (val string, err error)
	Set(key string, val string, ttl time.Duration) (err error)
	// SetGet stores val unconditionally and returns the previous value
	// ("" if the key was absent)
	SetGet(key string, val string, ttl time.Duration) (old string, err error)
	// SetNXGet stores val only if key is absent and returns the previous
	// value ("" if none) along with whether the store happened
	SetNXGet(key string, val string, ttl time.Duration) (old string, stored bool, err error)
	// GetEx reads the value and refreshes its TTL in one step
	GetEx(key string, ttl time.Duration) (val string, err error)
	MGet(keys []string) (vals []string, err error)
	Del(key string) (err error)
	// CompareAndDel deletes the key only if its value equals expect,
	// returning the value found and whether the delete happened
	CompareAndDel(key string, expect string) (current string, deleted bool, err error)
	ScanPrefix(prefix string) (items []KVItem, err error)
	Close()
	IsConnectionError(err error) bool
}

// KVItem is the type of KVDB item
type KVItem struct {
	Key string
	Val string
}
