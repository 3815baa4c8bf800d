package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/typeconv"
)

// Message is one chat message. Times are unix milliseconds so serialized
// snapshots round-trip without sub-millisecond drift.
type Message struct {
	Time    int64
	Payload string // opaque JSON produced by the sender
}

// Thread is one chat thread resident in memory: a key, the time of its last
// message and the message backlog, oldest first.
type Thread struct {
	ThreadKey  string
	UpdateTime time.Time
	Messages   []Message
}

type threadBlob struct {
	ThreadKey  string          `json:"thread_key"`
	UpdateTime int64           `json:"update_time"`
	Messages   [][]interface{} `json:"messages"`
}

// Marshal serializes the thread for the chat table's whole column.
func (mt *Thread) Marshal() ([]byte, error) {
	blob := threadBlob{
		ThreadKey:  mt.ThreadKey,
		UpdateTime: mt.UpdateTime.UnixMilli(),
		Messages:   make([][]interface{}, len(mt.Messages)),
	}
	for i, msg := range mt.Messages {
		blob.Messages[i] = []interface{}{msg.Time, msg.Payload}
	}
	return json.Marshal(&blob)
}

// Unmarshal replaces the thread with the parsed blob.
func (mt *Thread) Unmarshal(data []byte) error {
	var blob threadBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return err
	}

	*mt = Thread{
		ThreadKey:  blob.ThreadKey,
		UpdateTime: time.UnixMilli(blob.UpdateTime),
		Messages:   make([]Message, 0, len(blob.Messages)),
	}
	for _, raw := range blob.Messages {
		if len(raw) < 2 {
			return errors.New("bad message entry in thread blob")
		}
		payload, ok := raw[1].(string)
		if !ok {
			return errors.New("bad message payload in thread blob")
		}
		mt.Messages = append(mt.Messages, Message{
			Time:    typeconv.Int(raw[0]),
			Payload: payload,
		})
	}
	return nil
}

// clone returns a deep enough copy that the caller can read it without the
// service lock: the message slice is shared but never mutated in place.
func (mt *Thread) clone() *Thread {
	c := *mt
	c.Messages = mt.Messages[:len(mt.Messages):len(mt.Messages)]
	return &c
}

// messagesAfter returns the messages strictly newer than t.
func (mt *Thread) messagesAfter(t int64) []Message {
	for i, msg := range mt.Messages {
		if msg.Time > t {
			return mt.Messages[i:]
		}
	}
	return nil
}

// truncate drops the oldest messages beyond max.
func (mt *Thread) truncate(max int) {
	if len(mt.Messages) > max {
		mt.Messages = mt.Messages[len(mt.Messages)-max:]
	}
}
