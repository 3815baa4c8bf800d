package kvdb

import (
	"time"

	"strconv"

	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/kvdb/backend/kvdbredis"
	. "github.com/gomesh/gomesh/engine/kvdb/types"
	"github.com/gomesh/gomesh/engine/opmon"
)

var (
	kvdbEngine     KVDBEngine
	kvdbOpQueue    *xnsyncutil.SyncQueue
	kvdbTerminated *xnsyncutil.OneTimeCond
)

// Initialize the KVDB
//
// Called once by every service during startup
func Initialize() {
	kvdbCfg := config.GetKVDB()

	gmlog.Infof("KVDB initializing, config:\n%s", config.DumpPretty(kvdbCfg))
	kvdbOpQueue = xnsyncutil.NewSyncQueue()
	kvdbTerminated = xnsyncutil.NewOneTimeCond()

	assureKVDBEngineReady()

	go kvdbRoutine()
}

func assureKVDBEngineReady() (err error) {
	if kvdbEngine != nil { // connection is valid
		return
	}

	kvdbCfg := config.GetKVDB()
	dbindex, err := strconv.Atoi(kvdbCfg.DB)
	if err != nil {
		return err
	}
	kvdbEngine, err = kvdbredis.OpenRedisKVDB(kvdbCfg.Url, dbindex)
	return
}

type getReq struct {
	key   string
	reply chan getResult
}

type getResult struct {
	val string
	err error
}

type setReq struct {
	key   string
	val   string
	ttl   time.Duration
	reply chan error
}

type setGetReq struct {
	key   string
	val   string
	ttl   time.Duration
	reply chan getResult
}

type setNXGetReq struct {
	key   string
	val   string
	ttl   time.Duration
	reply chan setNXGetResult
}

type setNXGetResult struct {
	old    string
	stored bool
	err    error
}

type getExReq struct {
	key   string
	ttl   time.Duration
	reply chan getResult
}

type mgetReq struct {
	keys  []string
	reply chan mgetResult
}

type mgetResult struct {
	vals []string
	err  error
}

type delReq struct {
	key   string
	reply chan error
}

type compareAndDelReq struct {
	key    string
	expect string
	reply  chan compareAndDelResult
}

type compareAndDelResult struct {
	current string
	deleted bool
	err     error
}

type scanPrefixReq struct {
	prefix string
	reply  chan scanPrefixResult
}

type scanPrefixResult struct {
	items []KVItem
	err   error
}

// Get reads the value of key, "" if absent.
// Blocks the calling goroutine until the operation is done.
func Get(key string) (string, error) {
	req := &getReq{key, make(chan getResult, 1)}
	push(req)
	r := <-req.reply
	return r.val, r.err
}

// Set stores the value of key with the given TTL (0 for no expiry)
func Set(key string, val string, ttl time.Duration) error {
	req := &setReq{key, val, ttl, make(chan error, 1)}
	push(req)
	return <-req.reply
}

// SetGet stores the value of key unconditionally, returning the previous
// value ("" if the key was absent)
func SetGet(key string, val string, ttl time.Duration) (old string, err error) {
	req := &setGetReq{key, val, ttl, make(chan getResult, 1)}
	push(req)
	r := <-req.reply
	return r.val, r.err
}

// SetNXGet stores val only if key is absent, returning the previous value
// and whether the store happened
func SetNXGet(key string, val string, ttl time.Duration) (old string, stored bool, err error) {
	req := &setNXGetReq{key, val, ttl, make(chan setNXGetResult, 1)}
	push(req)
	r := <-req.reply
	return r.old, r.stored, r.err
}

// GetEx reads the value of key and refreshes its TTL, "" if absent
func GetEx(key string, ttl time.Duration) (string, error) {
	req := &getExReq{key, ttl, make(chan getResult, 1)}
	push(req)
	r := <-req.reply
	return r.val, r.err
}

// MGet reads multiple keys at once, "" for absent keys
func MGet(keys []string) ([]string, error) {
	req := &mgetReq{keys, make(chan mgetResult, 1)}
	push(req)
	r := <-req.reply
	return r.vals, r.err
}

// Del removes the key
func Del(key string) error {
	req := &delReq{key, make(chan error, 1)}
	push(req)
	return <-req.reply
}

// CompareAndDel deletes the key only if its value equals expect
func CompareAndDel(key string, expect string) (current string, deleted bool, err error) {
	req := &compareAndDelReq{key, expect, make(chan compareAndDelResult, 1)}
	push(req)
	r := <-req.reply
	return r.current, r.deleted, r.err
}

// ScanPrefix lists all items whose keys start with prefix
func ScanPrefix(prefix string) ([]KVItem, error) {
	req := &scanPrefixReq{prefix, make(chan scanPrefixResult, 1)}
	push(req)
	r := <-req.reply
	return r.items, r.err
}

func push(req interface{}) {
	kvdbOpQueue.Push(req)
	checkOperationQueueLen()
}

// Close stops the KVDB worker after pending operations drain
func Close() {
	kvdbOpQueue.Close()
}

// WaitTerminated waits for the KVDB worker to quit
func WaitTerminated() {
	kvdbTerminated.Wait()
}

var recentWarnedQueueLen = 0

func checkOperationQueueLen() {
	qlen := kvdbOpQueue.Len()
	if qlen > consts.KVDB_OP_QUEUE_MAXLEN && qlen%100 == 0 && recentWarnedQueueLen != qlen {
		gmlog.Warnf("KVDB operation queue length = %d", qlen)
		recentWarnedQueueLen = qlen
	}
}

func kvdbRoutine() {
	for {
		err := assureKVDBEngineReady()
		if err != nil {
			gmlog.Errorf("KVDB engine is not ready: %s", err)
			time.Sleep(time.Second)
			continue
		}

		req := kvdbOpQueue.Pop()
		if req == nil { // queue is closed, returning nil
			kvdbEngine.Close()
			break
		}

		var op *opmon.Operation
		var opErr error
		switch req := req.(type) {
		case *getReq:
			op = opmon.StartOperation("kvdb.get")
			val, err := kvdbEngine.Get(req.key)
			req.reply <- getResult{val, err}
			opErr = err
		case *setReq:
			op = opmon.StartOperation("kvdb.set")
			err := kvdbEngine.Set(req.key, req.val, req.ttl)
			req.reply <- err
			opErr = err
		case *setGetReq:
			op = opmon.StartOperation("kvdb.setget")
			old, err := kvdbEngine.SetGet(req.key, req.val, req.ttl)
			req.reply <- getResult{old, err}
			opErr = err
		case *setNXGetReq:
			op = opmon.StartOperation("kvdb.setnxget")
			old, stored, err := kvdbEngine.SetNXGet(req.key, req.val, req.ttl)
			req.reply <- setNXGetResult{old, stored, err}
			opErr = err
		case *getExReq:
			op = opmon.StartOperation("kvdb.getex")
			val, err := kvdbEngine.GetEx(req.key, req.ttl)
			req.reply <- getResult{val, err}
			opErr = err
		case *mgetReq:
			op = opmon.StartOperation("kvdb.mget")
			vals, err := kvdbEngine.MGet(req.keys)
			req.reply <- mgetResult{vals, err}
			opErr = err
		case *delReq:
			op = opmon.StartOperation("kvdb.del")
			err := kvdbEngine.Del(req.key)
			req.reply <- err
			opErr = err
		case *compareAndDelReq:
			op = opmon.StartOperation("kvdb.compareAndDel")
			current, deleted, err := kvdbEngine.CompareAndDel(req.key, req.expect)
			req.reply <- compareAndDelResult{current, deleted, err}
			opErr = err
		case *scanPrefixReq:
			op = opmon.StartOperation("kvdb.scanPrefix")
			items, err := kvdbEngine.ScanPrefix(req.prefix)
			req.reply <- scanPrefixResult{items, err}
			opErr = err
		}
		op.Finish(time.Millisecond * 100)

		if opErr != nil && kvdbEngine.IsConnectionError(opErr) {
			kvdbEngine.Close()
			kvdbEngine = nil
		}
	}

	kvdbTerminated.Signal()
}
