package kvdbredis

import (
	"io"

	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	. "github.com/gomesh/gomesh/engine/kvdb/types"
)

// delete-if-unchanged, returns {found value, deleted flag}
const compareAndDelScript = `
local v = redis.call('GET', KEYS[1])
if v == false then
	return {'', 0}
end
if v == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return {v, 1}
end
return {v, 0}
`

type redisKVDB struct {
	c redis.Conn
}

// OpenRedisKVDB opens Redis for KVDB backend
func OpenRedisKVDB(url string, dbindex int) (KVDBEngine, error) {
	c, err := redis.Dial("tcp", url)
	if err != nil {
		return nil, errors.Wrap(err, "redis dail failed")
	}

	db := &redisKVDB{
		c: c,
	}
	if _, err := db.c.Do("SELECT", dbindex); err != nil {
		db.c.Close()
		return nil, errors.Wrap(err, "redis select db failed")
	}

	return db, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	return int64(ttl / time.Second)
}

func (db *redisKVDB) Get(key string) (val string, err error) {
	r, err := db.c.Do("GET", key)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	return string(r.([]byte)), err
}

func (db *redisKVDB) Set(key string, val string, ttl time.Duration) error {
	var err error
	if ttl > 0 {
		_, err = db.c.Do("SET", key, val, "EX", ttlSeconds(ttl))
	} else {
		_, err = db.c.Do("SET", key, val)
	}
	return err
}

func (db *redisKVDB) SetGet(key string, val string, ttl time.Duration) (old string, err error) {
	var r interface{}
	if ttl > 0 {
		r, err = db.c.Do("SET", key, val, "GET", "EX", ttlSeconds(ttl))
	} else {
		r, err = db.c.Do("SET", key, val, "GET")
	}
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	return string(r.([]byte)), nil
}

func (db *redisKVDB) SetNXGet(key string, val string, ttl time.Duration) (old string, stored bool, err error) {
	var r interface{}
	if ttl > 0 {
		r, err = db.c.Do("SET", key, val, "NX", "GET", "EX", ttlSeconds(ttl))
	} else {
		r, err = db.c.Do("SET", key, val, "NX", "GET")
	}
	if err != nil {
		return "", false, err
	}
	if r == nil {
		// key was absent, val is stored now
		return "", true, nil
	}
	return string(r.([]byte)), false, nil
}

func (db *redisKVDB) GetEx(key string, ttl time.Duration) (val string, err error) {
	r, err := db.c.Do("GETEX", key, "EX", ttlSeconds(ttl))
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	return string(r.([]byte)), nil
}

func (db *redisKVDB) MGet(keys []string) (vals []string, err error) {
	args := make([]interface{}, len(keys))
	for i, key := range keys {
		args[i] = key
	}
	r, err := redis.Values(db.c.Do("MGET", args...))
	if err != nil {
		return nil, err
	}
	vals = make([]string, len(keys))
	for i, v := range r {
		if v != nil {
			vals[i] = string(v.([]byte))
		}
	}
	return vals, nil
}

func (db *redisKVDB) Del(key string) error {
	_, err := db.c.Do("DEL", key)
	return err
}

func (db *redisKVDB) CompareAndDel(key string, expect string) (current string, deleted bool, err error) {
	r, err := redis.Values(db.c.Do("EVAL", compareAndDelScript, 1, key, expect))
	if err != nil {
		return "", false, err
	}
	current = string(r[0].([]byte))
	deleted = r[1].(int64) == 1
	return current, deleted, nil
}

func (db *redisKVDB) ScanPrefix(prefix string) (items []KVItem, err error) {
	keyMatch := prefix + "*"
	cursor := "0"
	var keys []string
	for {
		r, err := redis.Values(db.c.Do("SCAN", cursor, "MATCH", keyMatch, "COUNT", 1000))
		if err != nil {
			return nil, err
		}
		batch, err := redis.Strings(r[1], nil)
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)

		cursor = string(r[0].([]byte))
		if cursor == "0" {
			break
		}
	}

	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := db.MGet(keys)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		if vals[i] == "" {
			// expired between SCAN and MGET
			continue
		}
		items = append(items, KVItem{Key: key, Val: vals[i]})
	}
	return items, nil
}

func (db *redisKVDB) Close() {
	db.c.Close()
}

func (db *redisKVDB) IsConnectionError(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}
