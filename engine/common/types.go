package common

import (
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/uuid"
)

// SERVICEID_LENGTH is the length of service IDs
const SERVICEID_LENGTH = uuid.UUID_LENGTH

// ServiceID identifies one service process in the mesh
type ServiceID string

// IsNil returns if ServiceID is nil
func (id ServiceID) IsNil() bool {
	return id == ""
}

// GenServiceID generates a new ServiceID
func GenServiceID() ServiceID {
	return ServiceID(uuid.GenUUID())
}

// MustServiceID assures a string to be ServiceID
func MustServiceID(id string) ServiceID {
	if len(id) != SERVICEID_LENGTH {
		gmlog.Panicf("%s of len %d is not a valid service ID (len=%d)", id, len(id), SERVICEID_LENGTH)
	}
	return ServiceID(id)
}

// RoleID identifies one game role, unique across the application
type RoleID int64

// ROLEID_MAX is the largest valid role ID
const ROLEID_MAX RoleID = 899999999999999

// IsValid returns if RoleID falls in the valid range
func (roid RoleID) IsValid() bool {
	return roid >= 1 && roid <= ROLEID_MAX
}
