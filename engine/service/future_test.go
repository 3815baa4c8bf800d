package service

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/srvdis"
)

func newTestFuture(n int) *Future {
	f := &Future{
		peers:  make([]common.ServiceID, n),
		filled: make([]bool, n),
		resps:  make([]Response, n),
		cond:   xnsyncutil.NewOneTimeCond(),
	}
	for i := range f.peers {
		f.peers[i] = common.GenServiceID()
	}
	return f
}

func TestFutureCompletesOnceAllSlotsFilled(t *testing.T) {
	f := newTestFuture(3)

	done := make(chan []Response, 1)
	go func() {
		done <- f.WaitAll()
	}()

	f.complete(0, Response{Peer: f.peers[0]})
	f.complete(2, Response{Peer: f.peers[2]})
	select {
	case <-done:
		t.Fatal("future completed with a slot still empty")
	case <-time.After(time.Millisecond * 50):
	}

	f.complete(1, Response{Peer: f.peers[1], Err: ErrConnectionLost})
	select {
	case resps := <-done:
		assert.Equal(t, 3, len(resps))
		assert.Equal(t, ErrConnectionLost, resps[1].Err)
	case <-time.After(time.Second):
		t.Fatal("future did not complete")
	}
}

func TestFutureDuplicateCompletionIgnored(t *testing.T) {
	f := newTestFuture(2)
	f.complete(0, Response{Peer: f.peers[0], Data: map[string]interface{}{"v": 1}})
	f.complete(0, Response{Peer: f.peers[0], Data: map[string]interface{}{"v": 2}})
	f.complete(1, Response{Peer: f.peers[1]})

	resps := f.WaitAll()
	assert.Equal(t, 1, resps[0].Data["v"])
}

func TestFutureZeroTargetsCompletesImmediately(t *testing.T) {
	f := Launch(srvdis.Multicast("no-such-type"), "*noop", nil)
	assert.Equal(t, 0, f.NumTargets())

	done := make(chan struct{})
	go func() {
		f.WaitAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("empty future did not complete")
	}
}

func TestCallNoTarget(t *testing.T) {
	resp := Call(srvdis.Unicast(common.GenServiceID()), "*noop", nil)
	assert.Equal(t, ErrServiceNotKnown, resp.Err)
}
