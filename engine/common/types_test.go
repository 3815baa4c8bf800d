package common

import "testing"

func TestServiceID(t *testing.T) {
	sid := GenServiceID()
	if len(sid) != SERVICEID_LENGTH {
		t.Fail()
	}

	if sid.IsNil() {
		t.Fail()
	}

	if !ServiceID("").IsNil() {
		t.Fail()
	}
}

func TestRoleID(t *testing.T) {
	if RoleID(0).IsValid() {
		t.Fail()
	}
	if RoleID(-1).IsValid() {
		t.Fail()
	}
	if !RoleID(1).IsValid() {
		t.Fail()
	}
	if !RoleID(15743000000001).IsValid() {
		t.Fail()
	}
	if !ROLEID_MAX.IsValid() {
		t.Fail()
	}
	if (ROLEID_MAX + 1).IsValid() {
		t.Fail()
	}
}
