package record

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gomesh/gomesh/engine/common"
)

func TestRoleRecordRoundTrip(t *testing.T) {
	r := RoleRecord{
		Roid:       15743000000042,
		Username:   "alice",
		Nickname:   "Alice#0042",
		UpdateTime: time.Now().Unix(),
		Avatar:     []byte(`{"level":3}`),
		Profile:    []byte(`{"guild":"none"}`),
		Whole:      []byte(`{"inventory":[]}`),
		HomeHost:   "host-1",
		HomeDB:     "mysql://db-1/app",
		HomeZone:   "z1",
	}
	s, err := r.Marshal()
	assert.Equal(t, nil, err)

	var r2 RoleRecord
	assert.Equal(t, nil, r2.Unmarshal(s))
	assert.Equal(t, r.Roid, r2.Roid)
	assert.Equal(t, r.Username, r2.Username)
	assert.Equal(t, r.Nickname, r2.Nickname)
	assert.Equal(t, r.UpdateTime, r2.UpdateTime)
	assert.Equal(t, r.Whole, r2.Whole)
	assert.Equal(t, true, r2.IsHome("host-1", "mysql://db-1/app"))
	assert.Equal(t, false, r2.IsHome("host-2", "mysql://db-1/app"))
	assert.Equal(t, false, r2.IsHome("host-1", "mysql://db-2/app"))
}

func TestUserRecordRoundTrip(t *testing.T) {
	u := UserRecord{
		Username:     "bob",
		AgentID:      common.GenServiceID(),
		LoginAddress: "10.0.0.7:53241",
		LoginTime:    time.Now().Unix(),
	}
	s, err := u.Marshal()
	assert.Equal(t, nil, err)

	var u2 UserRecord
	assert.Equal(t, nil, u2.Unmarshal(s))
	assert.Equal(t, u.Username, u2.Username)
	assert.Equal(t, u.AgentID, u2.AgentID)
	assert.Equal(t, false, u2.IsBanned(time.Now()))

	u2.BannedUntil = time.Now().Add(time.Hour).Unix()
	assert.Equal(t, true, u2.IsBanned(time.Now()))
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "mesh/role/42", RoleCacheKey("mesh", common.RoleID(42)))
	assert.Equal(t, "mesh/user/alice", UserCacheKey("mesh", "alice"))
}
