package chat

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/ds"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
)

func newTestChatService() *ChatService {
	return &ChatService{
		maxMessages: 1000,
		threadTTL:   time.Minute * 30,
		dbReady:     true,
		threads:     map[string]*Thread{},
		buckets:     ds.NewSaveStringBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),
	}
}

func TestThreadRoundTrip(t *testing.T) {
	mt := &Thread{
		ThreadKey:  "zone/global",
		UpdateTime: time.UnixMilli(1700000000123),
		Messages: []Message{
			{Time: 1700000000100, Payload: `{"from":"alice","text":"hi"}`},
			{Time: 1700000000123, Payload: `{"from":"bob","text":"hello"}`},
		},
	}

	data, err := mt.Marshal()
	assert.Equal(t, nil, err)

	parsed := &Thread{}
	assert.Equal(t, nil, parsed.Unmarshal(data))
	assert.Equal(t, mt.ThreadKey, parsed.ThreadKey)
	assert.Equal(t, mt.UpdateTime.UnixMilli(), parsed.UpdateTime.UnixMilli())
	assert.Equal(t, mt.Messages, parsed.Messages)

	assert.NotEqual(t, nil, parsed.Unmarshal([]byte(`{"messages":[[1]]}`)))
}

func TestMessagesAfter(t *testing.T) {
	mt := &Thread{Messages: []Message{
		{Time: 100, Payload: "a"},
		{Time: 200, Payload: "b"},
		{Time: 300, Payload: "c"},
	}}

	assert.Equal(t, 3, len(mt.messagesAfter(0)))
	// strictly newer, a message at the check time is not repeated
	assert.Equal(t, 2, len(mt.messagesAfter(100)))
	assert.Equal(t, 0, len(mt.messagesAfter(300)))
}

func TestThreadTruncate(t *testing.T) {
	mt := &Thread{}
	for i := 0; i < 10; i++ {
		mt.Messages = append(mt.Messages, Message{Time: int64(i)})
	}
	mt.truncate(4)
	assert.Equal(t, 4, len(mt.Messages))
	// the oldest messages go first
	assert.Equal(t, int64(6), mt.Messages[0].Time)
	mt.truncate(4)
	assert.Equal(t, 4, len(mt.Messages))
}

func TestSaveMessageAppends(t *testing.T) {
	cs := newTestChatService()
	cs.insertThread(&Thread{ThreadKey: "zone/global", UpdateTime: time.Now()})

	resp, err := cs.handleSaveMessage(&service.Context{}, map[string]interface{}{
		"thread_key":  "zone/global",
		"raw_payload": `{"text":"hi"}`,
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])

	mt := cs.FindThread("zone/global")
	assert.Equal(t, 1, len(mt.Messages))
	assert.Equal(t, `{"text":"hi"}`, mt.Messages[0].Payload)

	_, err = cs.handleSaveMessage(&service.Context{}, map[string]interface{}{
		"thread_key": "zone/global",
	})
	assert.NotEqual(t, nil, err)
}

func TestCheckThreadsSortsAcrossThreads(t *testing.T) {
	cs := newTestChatService()
	cs.insertThread(&Thread{ThreadKey: "t1", UpdateTime: time.Now(), Messages: []Message{
		{Time: 100, Payload: "a"},
		{Time: 300, Payload: "c"},
	}})
	cs.insertThread(&Thread{ThreadKey: "t2", UpdateTime: time.Now(), Messages: []Message{
		{Time: 200, Payload: "b"},
		{Time: 400, Payload: "d"},
	}})

	resp, err := cs.handleCheckThreads(&service.Context{}, map[string]interface{}{
		"thread_key_list": []interface{}{"t1", "t2"},
		"last_check_time": float64(100),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])
	assert.Equal(t, []interface{}{"b", "c", "d"}, resp["raw_payload_list"])
	assert.Equal(t, int64(400), resp["check_time"])
}

func TestInsertThreadFirstWriterWins(t *testing.T) {
	cs := newTestChatService()
	first := &Thread{ThreadKey: "t1"}
	second := &Thread{ThreadKey: "t1"}

	assert.Equal(t, first, cs.insertThread(first))
	assert.Equal(t, first, cs.insertThread(second))
	assert.Equal(t, 1, cs.NumThreads())
}
