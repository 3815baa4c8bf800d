package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
)

func newTestUserService() *UserService {
	return &UserService{
		appName:      "testmesh",
		zone:         "z1",
		pingInterval: time.Second * 30,
		rateLimit:    30,
		maxRoles:     8,
		nickWidthMin: 4,
		nickWidthMax: 16,
		users:        map[string]*userConn{},
	}
}

func newTestConn(username string) *userConn {
	now := time.Now()
	return &userConn{
		username:      username,
		remoteAddr:    "127.0.0.1:12345",
		lastHeartbeat: now,
		rateStart:     now,
		avatars:       map[common.RoleID]string{},
	}
}

func TestNicknameWidth(t *testing.T) {
	w, ok := nicknameWidth("alice")
	assert.Equal(t, true, ok)
	assert.Equal(t, 5, w)

	// CJK runes take two cells each
	w, ok = nicknameWidth("李雷")
	assert.Equal(t, true, ok)
	assert.Equal(t, 4, w)

	_, ok = nicknameWidth("ali\tce")
	assert.Equal(t, false, ok)
	_, ok = nicknameWidth("ali\x00ce")
	assert.Equal(t, false, ok)
}

func TestRateWindow(t *testing.T) {
	uc := newTestConn("alice")
	start := time.Now()
	uc.rateStart = start

	// within the first second nothing is evaluated yet
	for i := 0; i < 100; i++ {
		assert.Equal(t, true, uc.checkRate(10, start.Add(time.Millisecond*500)))
	}

	// the limit scales with the fractional window length
	evaluated := uc.checkRate(10, start.Add(time.Millisecond*1500))
	assert.Equal(t, false, evaluated)

	// the window was reset by the evaluation
	assert.Equal(t, 0, uc.rateCount)

	uc2 := newTestConn("bob")
	uc2.rateStart = start
	for i := 0; i < 14; i++ {
		uc2.checkRate(10, start.Add(time.Millisecond*500))
	}
	// 15 messages over 1.5s is exactly the scaled limit of 10/s
	assert.Equal(t, true, uc2.checkRate(10, start.Add(time.Millisecond*1500)))
}

func TestRolePairLocking(t *testing.T) {
	uc := newTestConn("alice")

	assert.Equal(t, true, uc.lockRolePair(15743, "logic-1"))
	roid, logicID := uc.rolePair()
	assert.Equal(t, common.RoleID(15743), roid)
	assert.Equal(t, common.ServiceID("logic-1"), logicID)

	// the pair stays locked until the pending handover finishes
	assert.Equal(t, false, uc.lockRolePair(15744, "logic-2"))

	uc.unlockRolePair()
	roid, logicID = uc.rolePair()
	assert.Equal(t, common.RoleID(0), roid)
	assert.Equal(t, common.ServiceID(""), logicID)
	assert.Equal(t, true, uc.lockRolePair(15744, "logic-2"))
}

func TestAvatarCache(t *testing.T) {
	uc := newTestConn("alice")
	assert.Equal(t, common.RoleID(0), uc.freshRoid())

	uc.setAvatar(15743, `{"roid":15743}`)
	uc.setAvatar(15744, "")
	assert.Equal(t, 2, uc.numAvatars())
	assert.Equal(t, true, uc.hasAvatar(15743))
	assert.Equal(t, false, uc.hasAvatar(15745))
	assert.Equal(t, common.RoleID(15744), uc.freshRoid())
}

func TestUserRegistry(t *testing.T) {
	us := newTestUserService()
	uc1 := newTestConn("alice")
	uc2 := newTestConn("alice")

	assert.Equal(t, (*userConn)(nil), us.registerUser(uc1))
	assert.Equal(t, uc1, us.registerUser(uc2))
	assert.Equal(t, uc2, us.findUser("alice"))
	assert.Equal(t, 1, us.NumOnline())

	// the displaced session must not tear down the newer one
	assert.Equal(t, false, us.unregisterUser(uc1))
	assert.Equal(t, uc2, us.findUser("alice"))

	assert.Equal(t, true, us.unregisterUser(uc2))
	assert.Equal(t, 0, us.NumOnline())
}

func TestCheckRolesHandler(t *testing.T) {
	us := newTestUserService()

	alice := newTestConn("alice")
	alice.bindRolePair(15743, "logic-1")
	us.registerUser(alice)

	bob := newTestConn("bob") // no role selected
	us.registerUser(bob)

	carol := newTestConn("carol")
	carol.bindRolePair(15744, "logic-2")
	carol.markClosed()
	us.registerUser(carol)

	resp, err := us.handleUserCheckRoles(&service.Context{}, map[string]interface{}{
		"username_list": []interface{}{"alice", "bob", "carol", "dave"},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])

	roles := resp["roles"].(map[string]interface{})
	assert.Equal(t, 1, len(roles))
	rr := roles["alice"].(map[string]interface{})
	assert.Equal(t, int64(15743), rr["roid"])
	assert.Equal(t, "logic-1", rr["logic_srv"])
}

func TestRelayTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.ini")
	err := os.WriteFile(path, []byte("[relay]\n+shop/buy = logic\n+debug/dump = denied\n"), 0644)
	assert.Equal(t, nil, err)

	var rt relayTable
	assert.Equal(t, nil, rt.Load(path))
	assert.Equal(t, 2, rt.numRules())
	assert.Equal(t, relayLogic, rt.action("+shop/buy"))
	assert.Equal(t, relayDenied, rt.action("+debug/dump"))
	assert.Equal(t, "", rt.action("+never/heard"))

	// reload replaces the whole rule set
	err = os.WriteFile(path, []byte("[relay]\n+shop/buy = denied\n"), 0644)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, rt.Load(path))
	assert.Equal(t, 1, rt.numRules())
	assert.Equal(t, relayDenied, rt.action("+shop/buy"))
	assert.Equal(t, "", rt.action("+debug/dump"))

	err = os.WriteFile(path, []byte("[relay]\n+shop/buy = nonsense\n"), 0644)
	assert.Equal(t, nil, err)
	assert.NotEqual(t, nil, rt.Load(path))
}

func TestPingSweep(t *testing.T) {
	us := newTestUserService()
	us.dbReady = true
	us.pingInterval = time.Second * 10

	fresh := newTestConn("fresh")
	probed := newTestConn("probed")
	probed.lastHeartbeat = time.Now().Add(-time.Second * 15)
	dead := newTestConn("dead")
	dead.lastHeartbeat = time.Now().Add(-time.Second * 31)
	gone := newTestConn("gone")
	gone.markClosed()

	us.registerUser(fresh)
	us.registerUser(probed)
	us.registerUser(dead)
	us.registerUser(gone)

	us.pingTick()

	assert.Equal(t, false, fresh.isClosed())
	assert.Equal(t, false, probed.isClosed())
	assert.Equal(t, true, dead.isClosed())
	assert.Equal(t, 2, us.NumOnline())
	assert.Equal(t, (*userConn)(nil), us.findUser("dead"))
	assert.Equal(t, (*userConn)(nil), us.findUser("gone"))
}
