package logic

import (
	"github.com/gomesh/gomesh/engine/common"
)

// Role is the live in-memory object of one online role. The application
// registers a factory producing its own implementation; the role service
// hydrates instances from cached snapshots and drives the lifecycle
// callbacks.
type Role interface {
	// Init fills in the identity fields right after construction, before
	// any other method is called.
	Init(roid common.RoleID, username string, nickname string)

	// ParseDBRecord restores state previously produced by MakeDBRecord.
	ParseDBRecord(rec map[string]interface{}) error

	// MakeAvatar returns the public summary other players see in lists.
	MakeAvatar() map[string]interface{}

	// MakeProfile returns what other players see on the profile page.
	MakeProfile() map[string]interface{}

	// MakeDBRecord returns the full state for persistence.
	MakeDBRecord() map[string]interface{}

	// OnLogin is called once when the role is hydrated from the cache.
	OnLogin()

	// OnConnect is called after hydration and after every reconnect.
	OnConnect()

	// OnDisconnect is called when the client connection is lost and just
	// before the role is unloaded.
	OnDisconnect()

	// OnLogout is called just before the role is unloaded.
	OnLogout()

	// OnEverySecond is called once per second while the role is online.
	OnEverySecond()
}

// RoleFactory constructs an empty role to be hydrated.
type RoleFactory func() Role

// BaseRole implements Role with no-op callbacks and no state beyond the
// identity fields. Application roles embed it and override what they need.
type BaseRole struct {
	roid     common.RoleID
	username string
	nickname string
}

// Init implements Role.
func (r *BaseRole) Init(roid common.RoleID, username string, nickname string) {
	r.roid = roid
	r.username = username
	r.nickname = nickname
}

// Roid returns the role ID.
func (r *BaseRole) Roid() common.RoleID { return r.roid }

// Username returns the owning user.
func (r *BaseRole) Username() string { return r.username }

// Nickname returns the role's nickname.
func (r *BaseRole) Nickname() string { return r.nickname }

// ParseDBRecord implements Role.
func (r *BaseRole) ParseDBRecord(rec map[string]interface{}) error { return nil }

// MakeAvatar implements Role.
func (r *BaseRole) MakeAvatar() map[string]interface{} { return map[string]interface{}{} }

// MakeProfile implements Role.
func (r *BaseRole) MakeProfile() map[string]interface{} { return map[string]interface{}{} }

// MakeDBRecord implements Role.
func (r *BaseRole) MakeDBRecord() map[string]interface{} { return map[string]interface{}{} }

// OnLogin implements Role.
func (r *BaseRole) OnLogin() {}

// OnConnect implements Role.
func (r *BaseRole) OnConnect() {}

// OnDisconnect implements Role.
func (r *BaseRole) OnDisconnect() {}

// OnLogout implements Role.
func (r *BaseRole) OnLogout() {}

// OnEverySecond implements Role.
func (r *BaseRole) OnEverySecond() {}
