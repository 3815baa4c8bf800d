package chat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/typeconv"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/ds"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/sqldb"
)

// truncateSlack lets a hot thread overshoot the backlog cap a little so not
// every appended message triggers a truncation.
const truncateSlack = 200

const createChatTableStmt = `CREATE TABLE IF NOT EXISTS chat (
	thread_key VARCHAR(255) NOT NULL,
	update_time DATETIME NOT NULL,
	whole MEDIUMBLOB,
	PRIMARY KEY (thread_key)
) ENGINE = InnoDB`

// ChatService keeps the chat threads of this zone in memory, appends
// messages coming in over RPC and writes threads back to the chat table in
// save buckets. Threads idle past the configured TTL are evicted from
// memory after a final write.
type ChatService struct {
	db          *sqldb.DB
	maxMessages int
	threadTTL   time.Duration

	mu      sync.Mutex
	dbReady bool
	threads map[string]*Thread

	buckets   *ds.SaveStringBuckets // confined to the save timer
	saveTimer *timer.Timer
	saveBusy  int32
}

// NewChatService creates the chat service on top of db. Call Startup to
// register its handlers and start the save timer.
func NewChatService(db *sqldb.DB) *ChatService {
	chatCfg := config.GetChat()
	return &ChatService{
		db:          db,
		maxMessages: chatCfg.MaxMessages,
		threadTTL:   chatCfg.ThreadIdleTTL,
		threads:     map[string]*Thread{},
		buckets:     ds.NewSaveStringBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),
	}
}

// Startup registers the chat opcodes and arms the save timer.
func (cs *ChatService) Startup() {
	service.AddHandler(proto.OP_CHAT_CHECK_THREADS, cs.handleCheckThreads)
	service.AddHandler(proto.OP_CHAT_SAVE_MESSAGE, cs.handleSaveMessage)

	cs.saveTimer = timer.AddTimer(config.GetChat().SaveInterval, func() {
		if !atomic.CompareAndSwapInt32(&cs.saveBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&cs.saveBusy, 0)
			gmutils.RunPanicless(cs.saveTick)
		}()
	})
}

// Shutdown cancels the save timer.
func (cs *ChatService) Shutdown() {
	if cs.saveTimer != nil {
		cs.saveTimer.Cancel()
	}
}

// NumThreads returns the number of threads resident in memory.
func (cs *ChatService) NumThreads() int {
	cs.mu.Lock()
	n := len(cs.threads)
	cs.mu.Unlock()
	return n
}

// FindThread returns a read-only copy of a resident thread, nil when the
// thread is not in memory.
func (cs *ChatService) FindThread(threadKey string) *Thread {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if mt, ok := cs.threads[threadKey]; ok {
		return mt.clone()
	}
	return nil
}

func (cs *ChatService) getThread(threadKey string) *Thread {
	cs.mu.Lock()
	mt := cs.threads[threadKey]
	cs.mu.Unlock()
	return mt
}

// insertThread inserts mt unless the thread is already resident, in which
// case the existing one wins and is returned.
func (cs *ChatService) insertThread(mt *Thread) *Thread {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if existing, ok := cs.threads[mt.ThreadKey]; ok {
		return existing
	}
	cs.threads[mt.ThreadKey] = mt
	return mt
}

func (cs *ChatService) evictThread(threadKey string) {
	cs.mu.Lock()
	delete(cs.threads, threadKey)
	cs.mu.Unlock()
}

func (cs *ChatService) threadKeys() []string {
	cs.mu.Lock()
	keys := make([]string, 0, len(cs.threads))
	for key := range cs.threads {
		keys = append(keys, key)
	}
	cs.mu.Unlock()
	return keys
}

// ensureDBReady verifies the chat table once.
func (cs *ChatService) ensureDBReady() error {
	cs.mu.Lock()
	ready := cs.dbReady
	cs.mu.Unlock()
	if ready {
		return nil
	}
	if err := cs.db.EnsureTable("chat", createChatTableStmt); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.dbReady = true
	cs.mu.Unlock()
	return nil
}

// loadThread reads a thread's row, nil when the thread has no row yet.
func (cs *ChatService) loadThread(threadKey string) (*Thread, error) {
	var whole []byte
	row := cs.db.QueryRow("SELECT whole FROM chat WHERE thread_key = ?", threadKey)
	err := row.Scan(&whole)
	if sqldb.IsNoRowsError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	mt := &Thread{}
	if err := mt.Unmarshal(whole); err != nil {
		return nil, errors.Wrap(err, "bad stored chat thread")
	}
	return mt, nil
}

// handleCheckThreads returns the messages of the listed threads newer than
// last_check_time, sorted by creation time across all of them. Threads not
// yet resident are loaded from the chat table on demand.
func (cs *ChatService) handleCheckThreads(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	rawList, _ := data["thread_key_list"].([]interface{})
	var lastCheck int64
	if v, ok := data["last_check_time"]; ok && v != nil {
		lastCheck = typeconv.Int(v)
	}
	if err := cs.ensureDBReady(); err != nil {
		return nil, err
	}

	var collected []Message
	for _, raw := range rawList {
		threadKey, _ := raw.(string)
		if threadKey == "" {
			return nil, errors.New("thread_key_list has an empty key")
		}

		mt := cs.getThread(threadKey)
		if mt == nil {
			loaded, err := cs.loadThread(threadKey)
			if err != nil {
				return nil, err
			}
			if loaded == nil {
				continue
			}
			mt = cs.insertThread(loaded)
		}

		cs.mu.Lock()
		msgs := mt.messagesAfter(lastCheck)
		cs.mu.Unlock()
		collected = append(collected, msgs...)
	}

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].Time < collected[j].Time })

	checkTime := lastCheck
	payloads := make([]interface{}, len(collected))
	for i, msg := range collected {
		payloads[i] = msg.Payload
		if msg.Time > checkTime {
			checkTime = msg.Time
		}
	}
	return map[string]interface{}{
		"raw_payload_list": payloads,
		"check_time":       checkTime,
		"status":           proto.GS_OK,
	}, nil
}

// handleSaveMessage appends a message to a thread, creating or loading the
// thread first when it is not resident.
func (cs *ChatService) handleSaveMessage(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	threadKey, _ := data["thread_key"].(string)
	if threadKey == "" {
		return nil, errors.New("thread_key is empty")
	}
	rawPayload, _ := data["raw_payload"].(string)
	if rawPayload == "" {
		return nil, errors.New("raw_payload is empty")
	}
	if err := cs.ensureDBReady(); err != nil {
		return nil, err
	}

	mt := cs.getThread(threadKey)
	if mt == nil {
		loaded, err := cs.loadThread(threadKey)
		if err != nil {
			return nil, err
		}
		if loaded == nil {
			loaded = &Thread{ThreadKey: threadKey, UpdateTime: time.Now()}
		}
		mt = cs.insertThread(loaded)
	}

	now := time.Now()
	cs.mu.Lock()
	if len(mt.Messages) > cs.maxMessages+truncateSlack {
		mt.truncate(cs.maxMessages)
	}
	mt.UpdateTime = now
	mt.Messages = append(mt.Messages, Message{
		Time:    now.UnixMilli(),
		Payload: rawPayload,
	})
	cs.mu.Unlock()

	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// storeToDB writes a thread snapshot over its row.
func (cs *ChatService) storeToDB(mt *Thread) error {
	whole, err := mt.Marshal()
	if err != nil {
		return err
	}
	_, err = cs.db.Exec(
		"REPLACE INTO chat SET thread_key = ?, update_time = FROM_UNIXTIME(?), whole = ?",
		mt.ThreadKey, mt.UpdateTime.Unix(), whole)
	return err
}

// saveTick spreads write-back of all resident threads over the bucket set.
// Threads idle past the TTL are evicted from memory, but still written so
// their last messages reach the table.
func (cs *ChatService) saveTick() {
	if err := cs.ensureDBReady(); err != nil {
		gmlog.Errorf("chat: chat table not ready: %s", err)
		return
	}

	if cs.buckets.Empty() {
		cs.buckets.Refill(cs.threadKeys())
	}

	now := time.Now()
	for _, threadKey := range cs.buckets.Pop() {
		mt := cs.getThread(threadKey)
		if mt == nil {
			continue
		}

		cs.mu.Lock()
		snapshot := mt.clone()
		cs.mu.Unlock()

		if now.Sub(snapshot.UpdateTime) > cs.threadTTL {
			gmlog.Debugf("chat: evicting idle thread %s", threadKey)
			cs.evictThread(threadKey)
		}

		snapshot.truncate(cs.maxMessages)
		if err := cs.storeToDB(snapshot); err != nil {
			gmlog.Errorf("chat: save of thread %s failed: %s", threadKey, err)
		}
	}
}
