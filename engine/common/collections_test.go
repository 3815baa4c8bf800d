package common

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestStringSet(t *testing.T) {
	ss := StringSet{}
	ss.Add("1")
	ss.Add("2")
	assert.T(t, ss.Contains("1"), "should contain")
	assert.T(t, ss.Contains("2"), "should contain")
	ss.Remove("2")
	assert.T(t, !ss.Contains("2"), "should contain")
}

func TestRoleIDSet(t *testing.T) {
	rs := RoleIDSet{}
	rs.Add(1)
	rs.Add(2)
	rs.Add(2)
	assert.T(t, rs.Contains(1), "should contain")
	assert.T(t, rs.Contains(2), "should contain")
	assert.Tf(t, len(rs.ToList()) == 2, "wrong length: %v", rs.ToList())
	rs.Del(2)
	assert.T(t, !rs.Contains(2), "should not contain")

	visited := 0
	rs.ForEach(func(roid RoleID) bool {
		visited++
		return false
	})
	assert.Tf(t, visited == 1, "wrong visit count: %d", visited)
}

func TestStringList(t *testing.T) {
	ss := StringList{}
	ss.Append("1")
	assert.T(t, len(ss) == 1, "wrong length")
	ss.Append("2")
	assert.T(t, len(ss) == 2, "wrong length")
	ss.Append("3")
	assert.T(t, len(ss) == 3, "wrong length")
	ss.Remove("2")
	assert.Tf(t, len(ss) == 2, "wrong length: %v", ss)
	assert.Tf(t, ss.Find("1") == 0, "wrong index: %d", ss.Find("1"))
	assert.Tf(t, ss.Find("2") == -1, "wrong index: %d", ss.Find("2"))
	assert.Tf(t, ss.Find("3") == 1, "wrong index: %d", ss.Find("3"))
}
