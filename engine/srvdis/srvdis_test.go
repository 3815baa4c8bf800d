package srvdis

import (
	"sort"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/common"
	kvdbtypes "github.com/gomesh/gomesh/engine/kvdb/types"
)

type fakeStore struct {
	data map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (fs *fakeStore) Set(key string, val string, ttl time.Duration) error {
	fs.data[key] = val
	return nil
}

func (fs *fakeStore) SetNXGet(key string, val string, ttl time.Duration) (string, bool, error) {
	if old, ok := fs.data[key]; ok {
		return old, false, nil
	}
	fs.data[key] = val
	return "", true, nil
}

func (fs *fakeStore) ScanPrefix(prefix string) (items []kvdbtypes.KVItem, err error) {
	for k, v := range fs.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			items = append(items, kvdbtypes.KVItem{Key: k, Val: v})
		}
	}
	return items, nil
}

func (fs *fakeStore) Del(key string) error {
	delete(fs.data, key)
	return nil
}

type recordingDelegate struct {
	discovered []common.ServiceID
	outdated   []common.ServiceID
}

func (rd *recordingDelegate) OnServiceDiscovered(rec *ServiceRecord) {
	rd.discovered = append(rd.discovered, rec.ServiceID)
}

func (rd *recordingDelegate) OnServiceOutdated(srvid common.ServiceID) {
	rd.outdated = append(rd.outdated, srvid)
}

func putPeer(fs *fakeStore, app string, srvid common.ServiceID, srvType string, addr string) {
	rec := &ServiceRecord{
		ServiceID: srvid,
		App:       app,
		Type:      srvType,
		Hostname:  "other-host",
		Addrs:     []string{addr},
	}
	fs.data[serviceKey(app, srvid)] = marshalRecord(rec)
}

func TestStartupPublishAndDiscover(t *testing.T) {
	fs := newFakeStore()
	rd := &recordingDelegate{}
	SetLoadFunc(func() float64 { return 0.5 })

	logicA := common.GenServiceID()
	logicB := common.GenServiceID()
	putPeer(fs, "testapp", logicA, "logic", "10.0.0.1:7001")
	putPeer(fs, "testapp", logicB, "logic", "10.0.0.2:7001")
	fs.data["testapp/services/bogus"] = "{not json"

	self := &ServiceRecord{
		ServiceID: common.GenServiceID(),
		App:       "testapp",
		Type:      "agent",
		Hostname:  "this-host",
		Addrs:     []string{"10.0.0.3:7001", "127.0.0.1:7001"},
	}
	err := Startup(fs, self, rd)
	assert.Equal(t, nil, err)
	defer Shutdown()

	assert.Equal(t, 0, self.Index)
	assert.Equal(t, 0.5, self.Load)

	// own record is published and readable back
	published, ok := fs.data[serviceKey("testapp", self.ServiceID)]
	assert.T(t, ok)
	rec, err := unmarshalRecord(published)
	assert.Equal(t, nil, err)
	assert.Equal(t, "agent", rec.Type)

	// both peers discovered, the invalid record skipped
	got := append([]common.ServiceID{}, rd.discovered...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	want := []common.ServiceID{logicA, logicB}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	assert.Equal(t, want, got)

	// selectors
	assert.Equal(t, 2, len(Resolve(Multicast("logic"))))
	assert.Equal(t, 1, len(Resolve(Randomcast("logic"))))
	assert.Equal(t, 1, len(Resolve(Unicast(logicA))))
	assert.Equal(t, 0, len(Resolve(Unicast(common.GenServiceID()))))
	assert.Equal(t, 0, len(Resolve(Multicast("chat"))))
	assert.Equal(t, 3, len(Resolve(Broadcast())))

	// a vanished peer is reported outdated on the next rescan
	delete(fs.data, serviceKey("testapp", logicB))
	err = discoverOnce()
	assert.Equal(t, nil, err)
	assert.Equal(t, []common.ServiceID{logicB}, rd.outdated)
	assert.Equal(t, 1, len(Resolve(Multicast("logic"))))
}

func TestClaimServiceIndexSkipsTaken(t *testing.T) {
	fs := newFakeStore()
	store = fs
	fs.data[indexKey("app2", "logic", 0)] = "someone-else"
	rec := &ServiceRecord{ServiceID: common.GenServiceID(), App: "app2", Type: "logic"}
	idx, err := claimServiceIndex(rec)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, idx)
}

func TestDialAddrPrefersLoopbackOnSameHost(t *testing.T) {
	rec := &ServiceRecord{
		ServiceID: common.GenServiceID(),
		Type:      "logic",
		Hostname:  "host-a",
		Addrs:     []string{"10.0.0.9:7001", "127.0.0.1:7001"},
	}
	assert.Equal(t, "127.0.0.1:7001", rec.DialAddr("host-a"))
	assert.Equal(t, "10.0.0.9:7001", rec.DialAddr("host-b"))
}
