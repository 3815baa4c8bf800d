package monitor

import (
	"sort"
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

func newTestRoleService() *RoleService {
	var cacheMu sync.Mutex
	cache := map[string]string{}
	return &RoleService{
		appName:  "testmesh",
		zone:     "z1",
		hostname: "test-host",
		roleTTL:  time.Hour,
		records:  map[common.RoleID]*record.RoleRecord{},
		buckets:  ds.NewSaveBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),
		cacheSetNX: func(key string, val string, ttl time.Duration) (string, bool, error) {
			cacheMu.Lock()
			defer cacheMu.Unlock()
			if old, ok := cache[key]; ok {
				return old, false, nil
			}
			cache[key] = val
			return "", true, nil
		},
	}
}

func TestRequestRoid(t *testing.T) {
	roid, err := requestRoid(map[string]interface{}{"roid": float64(42)})
	assert.Equal(t, nil, err)
	assert.Equal(t, common.RoleID(42), roid)

	// numbers decoded from the wire arrive as float64, but int64 must work too
	roid, err = requestRoid(map[string]interface{}{"roid": int64(15743000000001)})
	assert.Equal(t, nil, err)
	assert.Equal(t, common.RoleID(15743000000001), roid)

	_, err = requestRoid(map[string]interface{}{"roid": float64(0)})
	assert.NotEqual(t, nil, err)
	_, err = requestRoid(map[string]interface{}{"roid": float64(common.ROLEID_MAX + 1)})
	assert.NotEqual(t, nil, err)
	_, err = requestRoid(map[string]interface{}{})
	assert.NotEqual(t, nil, err)
}

func TestRequestString(t *testing.T) {
	data := map[string]interface{}{"username": "alice", "roid": float64(1)}
	assert.Equal(t, "alice", requestString(data, "username"))
	assert.Equal(t, "", requestString(data, "nickname"))
	assert.Equal(t, "", requestString(data, "roid"))
}

func TestRoleTracking(t *testing.T) {
	rs := newTestRoleService()
	assert.Equal(t, 0, rs.NumTracked())

	rs.track(&record.RoleRecord{Roid: 7, Username: "alice"})
	rs.track(&record.RoleRecord{Roid: 9, Username: "bob"})
	rs.track(&record.RoleRecord{Roid: 7, Username: "alice"}) // replace, not grow
	assert.Equal(t, 2, rs.NumTracked())

	roids := rs.trackedRoids()
	sort.Slice(roids, func(i, j int) bool { return roids[i] < roids[j] })
	assert.Equal(t, []int64{7, 9}, roids)

	rs.untrack(7)
	rs.untrack(7)
	assert.Equal(t, 1, rs.NumTracked())
}

func TestSaveBucketRefillFromTracked(t *testing.T) {
	rs := newTestRoleService()
	for roid := common.RoleID(1); roid <= 50; roid++ {
		rs.track(&record.RoleRecord{Roid: roid})
	}

	rs.buckets.Refill(rs.trackedRoids())
	seen := map[int64]bool{}
	for !rs.buckets.Empty() {
		for _, roid := range rs.buckets.Pop() {
			seen[roid] = true
		}
	}
	assert.Equal(t, 50, len(seen))
}

func TestRoleCreateRacesToOneOwner(t *testing.T) {
	db, sdb := openStubDB(t)
	rs := newTestRoleService()
	rs.db = db

	// two users race to create the same roid; the database keeps exactly
	// one row and the loser gets a conflict
	statuses := make(chan interface{}, 2)
	var wg sync.WaitGroup
	for _, username := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(username string) {
			defer wg.Done()
			resp, err := rs.handleRoleCreate(nil, map[string]interface{}{
				"roid":     float64(101),
				"username": username,
				"nickname": username + "-nick",
			})
			if err != nil {
				t.Error(err)
				return
			}
			statuses <- resp["status"]
		}(username)
	}
	wg.Wait()
	close(statuses)

	counts := map[interface{}]int{}
	for status := range statuses {
		counts[status]++
	}
	assert.Equal(t, 1, counts[proto.GS_OK])
	assert.Equal(t, 1, counts[proto.GS_ROID_CONFLICT])
	assert.Equal(t, 1, rs.NumTracked())

	sdb.mu.Lock()
	owner := sdb.rows[101].username
	sdb.mu.Unlock()

	// a retry by the winner loads the existing row instead of conflicting
	resp, err := rs.handleRoleCreate(nil, map[string]interface{}{
		"roid":     float64(101),
		"username": owner,
		"nickname": owner + "-nick",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_OK, resp["status"])

	// the loser keeps conflicting
	loser := "alice"
	if owner == "alice" {
		loser = "bob"
	}
	resp, err = rs.handleRoleCreate(nil, map[string]interface{}{
		"roid":     float64(101),
		"username": loser,
		"nickname": loser + "-nick",
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, proto.GS_ROID_CONFLICT, resp["status"])
}
