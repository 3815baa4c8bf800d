package logic

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/ds"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/record"
)

type testRole struct {
	BaseRole
	connects    int
	disconnects int
	logins      int
	logouts     int
}

func (r *testRole) OnLogin()      { r.logins++ }
func (r *testRole) OnConnect()    { r.connects++ }
func (r *testRole) OnDisconnect() { r.disconnects++ }
func (r *testRole) OnLogout()     { r.logouts++ }

func newTestRoleService() *RoleService {
	return &RoleService{
		appName:    "testmesh",
		roleTTL:    time.Hour,
		dcToLogout: time.Minute * 5,
		factory:    func() Role { return &testRole{} },
		roles:      map[common.RoleID]*hydratedRole{},
		handlers:   map[string]ClientHandler{},
		buckets:    ds.NewSaveBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),
		cachePut:   func(key string, val string, ttl time.Duration) error { return nil },
	}
}

func hydrate(rs *RoleService, roid common.RoleID, username string) *hydratedRole {
	role := rs.factory()
	role.Init(roid, username, username+"-nick")
	h := &hydratedRole{
		roinfo:  &record.RoleRecord{Roid: roid, Username: username, Nickname: username + "-nick"},
		role:    role,
		dcSince: dcNever,
	}
	rs.roles[roid] = h
	return h
}

func TestInsertHydratedFirstWriterWins(t *testing.T) {
	rs := newTestRoleService()

	first := &hydratedRole{roinfo: &record.RoleRecord{Roid: 42}, role: &testRole{}}
	got, inserted := rs.insertHydrated(first)
	assert.Equal(t, true, inserted)
	assert.Equal(t, first, got)

	second := &hydratedRole{roinfo: &record.RoleRecord{Roid: 42}, role: &testRole{}}
	got, inserted = rs.insertHydrated(second)
	assert.Equal(t, false, inserted)
	assert.Equal(t, first, got)
	assert.Equal(t, 1, rs.NumOnline())
}

func TestFindOnlineRole(t *testing.T) {
	rs := newTestRoleService()
	if rs.FindOnlineRole(42) != nil {
		t.Fail()
	}
	h := hydrate(rs, 42, "alice")
	if rs.FindOnlineRole(42) != h.role {
		t.Fail()
	}
}

func TestRoleReconnect(t *testing.T) {
	rs := newTestRoleService()
	h := hydrate(rs, 42, "alice")
	h.dcSince = time.Now().Add(-time.Minute)
	agentID := common.GenServiceID()

	// unknown candidates are a no-op
	resp, err := rs.handleRoleReconnect(nil, map[string]interface{}{
		"roid_list": []interface{}{float64(7)},
		"agent_srv": string(agentID),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_RECONNECT_NOOP, resp["status"])

	// clients may repeat candidates, repeats are skipped
	resp, err = rs.handleRoleReconnect(nil, map[string]interface{}{
		"roid_list": []interface{}{float64(7), float64(42), float64(42)},
		"agent_srv": string(agentID),
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])
	assert.Equal(t, int64(42), resp["roid"])
	assert.Equal(t, agentID, h.agentID)
	assert.Equal(t, dcNever, h.dcSince)
	// reconnect fires connect only, never the login side effects
	assert.Equal(t, 1, h.role.(*testRole).connects)
	assert.Equal(t, 0, h.role.(*testRole).logins)
}

func TestRoleDisconnect(t *testing.T) {
	rs := newTestRoleService()
	h := hydrate(rs, 42, "alice")
	h.agentID = common.GenServiceID()

	resp, err := rs.handleRoleDisconnect(nil, map[string]interface{}{"roid": float64(42)})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])
	assert.Equal(t, common.ServiceID(""), h.agentID)
	assert.Equal(t, 1, h.role.(*testRole).disconnects)
	if !h.dcSince.Before(time.Now().Add(time.Second)) {
		t.Errorf("dcSince not set: %s", h.dcSince)
	}

	resp, err = rs.handleRoleDisconnect(nil, map[string]interface{}{"roid": float64(7)})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_ROLE_NOT_LOGGED_IN, resp["status"])
}

func TestClientRequestDispatch(t *testing.T) {
	rs := newTestRoleService()
	hydrate(rs, 42, "alice")

	rs.AddClientHandler("+echo", func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"roid": int64(roid), "msg": req["msg"]}, nil
	})
	rs.AddClientHandler("+boom", func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error) {
		panic("boom")
	})

	resp, err := rs.handleClientRequest(nil, map[string]interface{}{
		"roid":          float64(42),
		"client_opcode": "+echo",
		"client_req":    map[string]interface{}{"msg": "hi"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])
	clientResp := resp["client_resp"].(map[string]interface{})
	assert.Equal(t, int64(42), clientResp["roid"])
	assert.Equal(t, "hi", clientResp["msg"])

	resp, err = rs.handleClientRequest(nil, map[string]interface{}{
		"roid":          float64(42),
		"client_opcode": "+nope",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_ROLE_HANDLER_NOT_FOUND, resp["status"])

	resp, err = rs.handleClientRequest(nil, map[string]interface{}{
		"roid":          float64(42),
		"client_opcode": "+boom",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_ROLE_HANDLER_EXCEPT, resp["status"])
}

func TestGracePeriodExpiry(t *testing.T) {
	rs := newTestRoleService()
	h := hydrate(rs, 42, "alice")

	// connected roles never expire
	now := time.Now()
	if now.Sub(h.dcSince) >= rs.dcToLogout {
		t.Fail()
	}

	h.dcSince = now.Add(-rs.dcToLogout + time.Second)
	if now.Sub(h.dcSince) >= rs.dcToLogout {
		t.Fail()
	}

	h.dcSince = now.Add(-rs.dcToLogout)
	if now.Sub(h.dcSince) < rs.dcToLogout {
		t.Fail()
	}
}

func TestStoreToCacheConcurrent(t *testing.T) {
	rs := newTestRoleService()

	var mu sync.Mutex
	var snapshots []string
	rs.cachePut = func(key string, val string, ttl time.Duration) error {
		mu.Lock()
		snapshots = append(snapshots, val)
		mu.Unlock()
		return nil
	}

	h := hydrate(rs, 42, "alice")

	// the save timer and the RPC handlers may save the same role at once
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := rs.storeToCache(h); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, len(snapshots))
	for _, val := range snapshots {
		roinfo := &record.RoleRecord{}
		assert.Equal(t, nil, roinfo.Unmarshal(val))
		assert.Equal(t, common.RoleID(42), roinfo.Roid)
		assert.Equal(t, "alice", roinfo.Username)

		var view map[string]interface{}
		assert.Equal(t, nil, json.Unmarshal(roinfo.Avatar, &view))
		assert.Equal(t, float64(42), view["roid"])
		assert.Equal(t, "alice", view["username"])
	}
}

func TestSaveTickLogsOutExpiredRole(t *testing.T) {
	rs := newTestRoleService()

	gone := hydrate(rs, 42, "alice")
	gone.dcSince = time.Now().Add(-rs.dcToLogout - time.Minute)
	stays := hydrate(rs, 43, "bob")

	// one bucket drains per tick, so run a full bucket cycle
	for i := 0; i < consts.SAVE_BUCKET_COUNT; i++ {
		rs.saveTick()
	}

	if rs.FindOnlineRole(42) != nil {
		t.Error("expired role still online")
	}
	assert.Equal(t, 1, gone.role.(*testRole).logouts)

	if rs.FindOnlineRole(43) != stays.role {
		t.Error("connected role unloaded")
	}
	assert.Equal(t, 0, stays.role.(*testRole).logouts)
	if stays.roinfo.UpdateTime == 0 {
		t.Error("connected role never saved")
	}
}

func TestMarshalViewStampsIdentity(t *testing.T) {
	roinfo := &record.RoleRecord{Roid: 42, Username: "alice", Nickname: "Alice#0042"}
	blob, err := marshalView(map[string]interface{}{"level": 3}, roinfo)
	assert.Equal(t, nil, err)

	var view map[string]interface{}
	assert.Equal(t, nil, json.Unmarshal(blob, &view))
	assert.Equal(t, float64(42), view["roid"])
	assert.Equal(t, "alice", view["username"])
	assert.Equal(t, "Alice#0042", view["nickname"])
	assert.Equal(t, float64(3), view["level"])
}

func TestVirtualClock(t *testing.T) {
	vc := NewVirtualClock(0)
	assert.Equal(t, time.Duration(0), vc.Offset())

	resp, err := vc.handleSetOffset(nil, map[string]interface{}{"offset": float64(3600)})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])
	assert.Equal(t, time.Hour, vc.Offset())

	diff := vc.NowUnix() - time.Now().Unix()
	if diff < 3599 || diff > 3601 {
		t.Errorf("virtual clock offset not applied: %d", diff)
	}

	_, err = vc.handleSetOffset(nil, map[string]interface{}{"offset": float64(maxClockOffset + 1)})
	assert.NotEqual(t, nil, err)
	_, err = vc.handleSetOffset(nil, map[string]interface{}{})
	assert.NotEqual(t, nil, err)
}
