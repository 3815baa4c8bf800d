package record

import (
	"fmt"
	"time"

	"github.com/gomesh/gomesh/engine/codec"
	"github.com/gomesh/gomesh/engine/common"
)

// RoleRecord is the durable snapshot of one game role. It is what gets
// written to the role table and cached in kvdb under RoleCacheKey. The three
// blobs are opaque serialized views regenerated from the live role object:
// Avatar is the public summary shown in role lists, Profile is what other
// players may query, Whole is the full state.
type RoleRecord struct {
	Roid       common.RoleID `msgpack:"roid"`
	Username   string        `msgpack:"username"`
	Nickname   string        `msgpack:"nickname"`
	UpdateTime int64         `msgpack:"update_time"` // unix seconds
	Avatar     []byte        `msgpack:"avatar"`
	Profile    []byte        `msgpack:"profile"`
	Whole      []byte        `msgpack:"whole"`

	// home locality, set when the record is created or loaded from storage;
	// writers with a different home must not touch the durable row
	HomeHost string `msgpack:"_home_host"`
	HomeDB   string `msgpack:"_home_db"`
	HomeZone string `msgpack:"_home_zone"`
}

// IsHome reports whether this record's durable row belongs to the caller's
// host and database.
func (r *RoleRecord) IsHome(hostname string, dburl string) bool {
	return r.HomeHost == hostname && r.HomeDB == dburl
}

// Marshal serializes the record for the kvdb cache.
func (r *RoleRecord) Marshal() (string, error) {
	data, err := codec.MSG_PACKER.PackMsg(r, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal replaces the record with the parsed cache value.
func (r *RoleRecord) Unmarshal(data string) error {
	*r = RoleRecord{}
	return codec.MSG_PACKER.UnpackMsg([]byte(data), r)
}

// UserRecord is the snapshot of one authenticated user published to kvdb
// under UserCacheKey while the user is online. AgentID names the agent
// instance that owns the connection; a second login elsewhere reads the old
// snapshot back and kicks that agent.
type UserRecord struct {
	Username     string           `msgpack:"username"`
	AgentID      common.ServiceID `msgpack:"_agent_srv"`
	LoginAddress string           `msgpack:"login_address"`
	LoginTime    int64            `msgpack:"login_time"` // unix seconds
	BannedUntil  int64            `msgpack:"banned_until"`
}

// IsBanned reports whether the user is banned at time now.
func (u *UserRecord) IsBanned(now time.Time) bool {
	return u.BannedUntil > now.Unix()
}

// Marshal serializes the record for the kvdb cache.
func (u *UserRecord) Marshal() (string, error) {
	data, err := codec.MSG_PACKER.PackMsg(u, nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Unmarshal replaces the record with the parsed cache value.
func (u *UserRecord) Unmarshal(data string) error {
	*u = UserRecord{}
	return codec.MSG_PACKER.UnpackMsg([]byte(data), u)
}

// RoleCacheKey returns the kvdb key of a role snapshot.
func RoleCacheKey(app string, roid common.RoleID) string {
	return fmt.Sprintf("%s/role/%d", app, roid)
}

// UserCacheKey returns the kvdb key of a user snapshot.
func UserCacheKey(app string, username string) string {
	return fmt.Sprintf("%s/user/%s", app, username)
}
