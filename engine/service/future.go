package service

import (
	"sync"

	"github.com/xiaonanln/go-xnsyncutil/xnsyncutil"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/srvdis"
	"github.com/gomesh/gomesh/engine/uuid"
)

// Response is one peer's answer inside a fan-out
type Response struct {
	Peer common.ServiceID
	Data map[string]interface{}
	Err  error
}

// Future aggregates the responses of one request fan-out. The target set is
// fixed when the future is launched: services appearing later are not
// consulted, services vanishing later fail their slot instead of shrinking it.
type Future struct {
	lock    sync.Mutex
	peers   []common.ServiceID
	filled  []bool
	resps   []Response
	allDone bool
	cond    *xnsyncutil.OneTimeCond
}

// Launch resolves the selector once and sends the request to every target.
// A future with zero targets is complete immediately.
func Launch(sel srvdis.Selector, opcode string, data map[string]interface{}) *Future {
	recs := srvdis.Resolve(sel)

	f := &Future{
		peers:  make([]common.ServiceID, len(recs)),
		filled: make([]bool, len(recs)),
		resps:  make([]Response, len(recs)),
		cond:   xnsyncutil.NewOneTimeCond(),
	}
	for i, rec := range recs {
		f.peers[i] = rec.ServiceID
	}

	if len(recs) == 0 {
		f.allDone = true
		f.cond.Signal()
		return f
	}

	for i, rec := range recs {
		if rec.ServiceID == localID {
			// self short-circuit, never touches the network
			slot := i
			go func() {
				res, err := dispatch(localID, opcode, data)
				f.complete(slot, Response{Peer: localID, Data: res, Err: err})
			}()
			continue
		}

		pc, err := getPeerConn(rec.ServiceID)
		if err != nil {
			f.complete(i, Response{Peer: rec.ServiceID, Err: err})
			continue
		}
		if err := pc.sendRequest(uuid.GenUUID(), opcode, data, f, i); err != nil {
			f.complete(i, Response{Peer: rec.ServiceID, Err: ErrConnectionLost})
		}
	}
	return f
}

// complete fills one slot. Late or duplicate completions are ignored, and
// every completion rescans all slots so the aggregate fires exactly once.
func (f *Future) complete(slot int, resp Response) {
	f.lock.Lock()
	if f.filled[slot] {
		f.lock.Unlock()
		return
	}
	f.filled[slot] = true
	f.resps[slot] = resp

	fire := false
	if !f.allDone {
		fire = true
		for _, filled := range f.filled {
			if !filled {
				fire = false
				break
			}
		}
		if fire {
			f.allDone = true
		}
	}
	f.lock.Unlock()

	if fire {
		f.cond.Signal()
	}
}

// NumTargets returns the size of the fixed target set
func (f *Future) NumTargets() int {
	return len(f.peers)
}

// WaitAll blocks the calling goroutine until every slot is filled
func (f *Future) WaitAll() []Response {
	f.cond.Wait()
	return f.resps
}

// Call sends the request to the single service the selector resolves to and
// waits for its answer. Resolving to no service fails with ErrServiceNotKnown.
func Call(sel srvdis.Selector, opcode string, data map[string]interface{}) Response {
	f := Launch(sel, opcode, data)
	resps := f.WaitAll()
	if len(resps) == 0 {
		return Response{Err: ErrServiceNotKnown}
	}
	return resps[0]
}
