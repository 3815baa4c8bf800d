package monitor

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/typeconv"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/ds"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/kvdb"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/record"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/sqldb"
)

const createRoleTableStmt = `CREATE TABLE IF NOT EXISTS role (
	roid BIGINT NOT NULL,
	username VARCHAR(255) NOT NULL,
	nickname VARCHAR(255) NOT NULL,
	update_time DATETIME NOT NULL,
	avatar BLOB,
	profile BLOB,
	whole MEDIUMBLOB,
	PRIMARY KEY (roid),
	INDEX username (username),
	INDEX nickname (nickname)
) ENGINE = InnoDB`

// RoleService owns the durable side of the role lifecycle: it moves roles
// between the role table and the shared cache, and periodically writes
// snapshots of the roles it has loaded back into the database.
type RoleService struct {
	db       *sqldb.DB
	appName  string
	zone     string
	hostname string
	roleTTL  time.Duration

	mu      sync.Mutex
	dbReady bool
	records map[common.RoleID]*record.RoleRecord

	buckets   *ds.SaveBuckets // confined to the save timer
	saveTimer *timer.Timer
	saveBusy  int32

	cacheSetNX func(key string, val string, ttl time.Duration) (old string, stored bool, err error)
}

// NewRoleService creates the role service on top of db. Call Startup to
// register its handlers and start the save timer.
func NewRoleService(db *sqldb.DB) *RoleService {
	appCfg := config.GetApp()
	monCfg := config.GetMonitor()
	hostname, _ := os.Hostname()
	return &RoleService{
		db:       db,
		appName:  appCfg.Name,
		zone:     appCfg.Zone,
		hostname: hostname,
		roleTTL:  monCfg.RoleCacheTTL,
		records:  map[common.RoleID]*record.RoleRecord{},
		buckets:  ds.NewSaveBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),

		cacheSetNX: kvdb.SetNXGet,
	}
}

// Startup registers the persistence opcodes and arms the save timer.
func (rs *RoleService) Startup() {
	service.AddHandler(proto.OP_ROLE_LIST, rs.handleRoleList)
	service.AddHandler(proto.OP_ROLE_CREATE, rs.handleRoleCreate)
	service.AddHandler(proto.OP_ROLE_LOAD, rs.handleRoleLoad)
	service.AddHandler(proto.OP_ROLE_UNLOAD, rs.handleRoleUnload)
	service.AddHandler(proto.OP_ROLE_FLUSH, rs.handleRoleFlush)

	rs.saveTimer = timer.AddTimer(config.GetMonitor().SaveInterval, func() {
		if !atomic.CompareAndSwapInt32(&rs.saveBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&rs.saveBusy, 0)
			gmutils.RunPanicless(rs.saveTick)
		}()
	})
}

// Shutdown cancels the save timer.
func (rs *RoleService) Shutdown() {
	if rs.saveTimer != nil {
		rs.saveTimer.Cancel()
	}
}

// NumTracked returns the number of roles this monitor has loaded.
func (rs *RoleService) NumTracked() int {
	rs.mu.Lock()
	n := len(rs.records)
	rs.mu.Unlock()
	return n
}

func (rs *RoleService) track(roinfo *record.RoleRecord) {
	rs.mu.Lock()
	rs.records[roinfo.Roid] = roinfo
	rs.mu.Unlock()
}

func (rs *RoleService) untrack(roid common.RoleID) {
	rs.mu.Lock()
	delete(rs.records, roid)
	rs.mu.Unlock()
}

func (rs *RoleService) trackedRoids() []int64 {
	rs.mu.Lock()
	roids := make([]int64, 0, len(rs.records))
	for roid := range rs.records {
		roids = append(roids, int64(roid))
	}
	rs.mu.Unlock()
	return roids
}

// ensureDBReady verifies the role table once. Handlers refuse to touch the
// database before the first verification succeeds.
func (rs *RoleService) ensureDBReady() error {
	rs.mu.Lock()
	ready := rs.dbReady
	rs.mu.Unlock()
	if ready {
		return nil
	}
	if err := rs.db.EnsureTable("role", createRoleTableStmt); err != nil {
		return err
	}
	rs.mu.Lock()
	rs.dbReady = true
	rs.mu.Unlock()
	return nil
}

func requestRoid(data map[string]interface{}) (common.RoleID, error) {
	v, ok := data["roid"]
	if !ok || v == nil {
		return 0, errors.New("roid is missing")
	}
	roid := common.RoleID(typeconv.Int(v))
	if !roid.IsValid() {
		return 0, errors.Errorf("invalid roid %d", roid)
	}
	return roid, nil
}

func requestString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// storeToCache publishes the record in the shared cache without replacing an
// existing snapshot. When a snapshot is already there it is newer than ours,
// so adopt it.
func (rs *RoleService) storeToCache(roinfo *record.RoleRecord) error {
	val, err := roinfo.Marshal()
	if err != nil {
		return err
	}
	old, stored, err := rs.cacheSetNX(record.RoleCacheKey(rs.appName, roinfo.Roid), val, rs.roleTTL)
	if err != nil {
		return err
	}
	if !stored {
		if err := roinfo.Unmarshal(old); err != nil {
			return errors.Wrap(err, "bad cached role snapshot")
		}
	}
	return nil
}

// storeToDB writes the record's snapshot over the role's durable row.
func (rs *RoleService) storeToDB(roinfo *record.RoleRecord) error {
	gmlog.Infof("monitor: storing role %d (%s) updated on %d", roinfo.Roid, roinfo.Nickname, roinfo.UpdateTime)
	_, err := rs.db.Exec(
		"UPDATE role SET username = ?, nickname = ?, update_time = FROM_UNIXTIME(?), avatar = ?, profile = ?, whole = ? WHERE roid = ?",
		roinfo.Username, roinfo.Nickname, roinfo.UpdateTime, roinfo.Avatar, roinfo.Profile, roinfo.Whole, int64(roinfo.Roid))
	return err
}

// handleRoleList returns the avatars of all roles of a user, preferring
// unflushed snapshots from the shared cache over the database rows.
func (rs *RoleService) handleRoleList(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	if err := rs.ensureDBReady(); err != nil {
		return nil, err
	}

	rows, err := rs.db.Query("SELECT roid, avatar FROM role WHERE username = ?", username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dbRecords []*record.RoleRecord
	for rows.Next() {
		roinfo := &record.RoleRecord{}
		var roid int64
		if err := rows.Scan(&roid, &roinfo.Avatar); err != nil {
			return nil, err
		}
		roinfo.Roid = common.RoleID(roid)
		dbRecords = append(dbRecords, roinfo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	gmlog.Infof("monitor: found %d role(s) for user %s", len(dbRecords), username)

	if len(dbRecords) > 0 {
		keys := make([]string, len(dbRecords))
		for i, roinfo := range dbRecords {
			keys[i] = record.RoleCacheKey(rs.appName, roinfo.Roid)
		}
		vals, err := kvdb.MGet(keys)
		if err != nil {
			return nil, err
		}
		for i, val := range vals {
			if val == "" {
				continue
			}
			if err := dbRecords[i].Unmarshal(val); err != nil {
				return nil, errors.Wrap(err, "bad cached role snapshot")
			}
		}
	}

	rawAvatars := map[string]interface{}{}
	for _, roinfo := range dbRecords {
		rawAvatars[fmt.Sprintf("%d", roinfo.Roid)] = string(roinfo.Avatar)
	}
	return map[string]interface{}{
		"raw_avatars": rawAvatars,
		"status":      proto.GS_OK,
	}, nil
}

// handleRoleCreate inserts a new role row and loads it into the shared
// cache. Creation is retryable: when the row already exists and belongs to
// the same user it is loaded instead of reporting a conflict.
func (rs *RoleService) handleRoleCreate(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data)
	if err != nil {
		return nil, err
	}
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	nickname := requestString(data, "nickname")
	if nickname == "" {
		return nil, errors.New("nickname is empty")
	}
	if err := rs.ensureDBReady(); err != nil {
		return nil, err
	}

	roinfo := &record.RoleRecord{
		Roid:       roid,
		Username:   username,
		Nickname:   nickname,
		UpdateTime: time.Now().Unix(),
		HomeHost:   rs.hostname,
		HomeDB:     rs.db.URL(),
		HomeZone:   rs.zone,
	}

	res, err := rs.db.Exec(
		"INSERT IGNORE INTO role SET roid = ?, username = ?, nickname = ?, update_time = FROM_UNIXTIME(?)",
		int64(roinfo.Roid), roinfo.Username, roinfo.Nickname, roinfo.UpdateTime)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	if affected == 0 {
		// the row exists; load it if it belongs to the same user so a
		// timed-out create can be retried
		row := rs.db.QueryRow(
			"SELECT nickname, UNIX_TIMESTAMP(update_time), avatar, profile, whole FROM role WHERE roid = ? AND username = ?",
			int64(roid), username)
		err := row.Scan(&roinfo.Nickname, &roinfo.UpdateTime, &roinfo.Avatar, &roinfo.Profile, &roinfo.Whole)
		if sqldb.IsNoRowsError(err) {
			return map[string]interface{}{"status": proto.GS_ROID_CONFLICT}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	if err := rs.storeToCache(roinfo); err != nil {
		return nil, err
	}
	rs.track(roinfo)

	gmlog.Infof("monitor: created role %d (%s)", roinfo.Roid, roinfo.Nickname)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleRoleLoad loads a role row into the shared cache and starts tracking
// it for periodic write-back.
func (rs *RoleService) handleRoleLoad(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data)
	if err != nil {
		return nil, err
	}
	if err := rs.ensureDBReady(); err != nil {
		return nil, err
	}

	roinfo := &record.RoleRecord{
		Roid:     roid,
		HomeHost: rs.hostname,
		HomeDB:   rs.db.URL(),
		HomeZone: rs.zone,
	}

	row := rs.db.QueryRow(
		"SELECT username, nickname, UNIX_TIMESTAMP(update_time), avatar, profile, whole FROM role WHERE roid = ?",
		int64(roid))
	err = row.Scan(&roinfo.Username, &roinfo.Nickname, &roinfo.UpdateTime, &roinfo.Avatar, &roinfo.Profile, &roinfo.Whole)
	if sqldb.IsNoRowsError(err) {
		return map[string]interface{}{"status": proto.GS_ROID_NOT_FOUND}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := rs.storeToCache(roinfo); err != nil {
		return nil, err
	}
	rs.track(roinfo)

	gmlog.Infof("monitor: loaded role %d (%s)", roinfo.Roid, roinfo.Nickname)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleRoleUnload writes a role back into the database and deletes it from
// the shared cache. Writing to the database is slow and the snapshot may be
// updated concurrently, so the cache entry is only deleted when it is still
// the value that was written; otherwise the newer value is written again.
func (rs *RoleService) handleRoleUnload(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data)
	if err != nil {
		return nil, err
	}
	if err := rs.ensureDBReady(); err != nil {
		return nil, err
	}

	key := record.RoleCacheKey(rs.appName, roid)
	val, err := kvdb.Get(key)
	if err != nil {
		return nil, err
	}
	if val == "" {
		rs.untrack(roid)
		return map[string]interface{}{"status": proto.GS_ROLE_NOT_LOADED}, nil
	}

	roinfo := &record.RoleRecord{}
	for {
		if err := roinfo.Unmarshal(val); err != nil {
			return nil, errors.Wrap(err, "bad cached role snapshot")
		}
		if !roinfo.IsHome(rs.hostname, rs.db.URL()) {
			return map[string]interface{}{"status": proto.GS_ROLE_FOREIGN}, nil
		}

		if err := rs.storeToDB(roinfo); err != nil {
			return nil, err
		}

		current, deleted, err := kvdb.CompareAndDel(key, val)
		if err != nil {
			return nil, err
		}
		if deleted {
			break
		}
		val = current
	}
	rs.untrack(roid)

	gmlog.Infof("monitor: unloaded role %d (%s)", roinfo.Roid, roinfo.Nickname)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleRoleFlush writes a role's cached snapshot back into the database,
// keeping the cache entry.
func (rs *RoleService) handleRoleFlush(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data)
	if err != nil {
		return nil, err
	}
	if err := rs.ensureDBReady(); err != nil {
		return nil, err
	}

	gmlog.Infof("monitor: flushing role %d", roid)

	val, err := kvdb.Get(record.RoleCacheKey(rs.appName, roid))
	if err != nil {
		return nil, err
	}
	if val == "" {
		rs.untrack(roid)
		return map[string]interface{}{"status": proto.GS_ROLE_NOT_LOADED}, nil
	}

	roinfo := &record.RoleRecord{}
	if err := roinfo.Unmarshal(val); err != nil {
		return nil, errors.Wrap(err, "bad cached role snapshot")
	}
	if !roinfo.IsHome(rs.hostname, rs.db.URL()) {
		return map[string]interface{}{"status": proto.GS_ROLE_FOREIGN}, nil
	}

	rs.track(roinfo)
	if err := rs.storeToDB(roinfo); err != nil {
		return nil, err
	}

	gmlog.Infof("monitor: flushed role %d (%s)", roinfo.Roid, roinfo.Nickname)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// saveTick runs once per save interval. It spreads write-back of all
// tracked roles over SAVE_BUCKET_COUNT ticks: when the bucket set is empty
// it is refilled from the tracked set, then one bucket is drained and every
// role in it is written from its cached snapshot into the database. Roles
// whose snapshot expired from the cache are dropped from tracking.
func (rs *RoleService) saveTick() {
	if err := rs.ensureDBReady(); err != nil {
		gmlog.Errorf("monitor: role table not ready: %s", err)
		return
	}

	if rs.buckets.Empty() {
		rs.buckets.Refill(rs.trackedRoids())
	}

	for _, i := range rs.buckets.Pop() {
		roid := common.RoleID(i)

		val, err := kvdb.Get(record.RoleCacheKey(rs.appName, roid))
		if err != nil {
			gmlog.Errorf("monitor: save of role %d failed: %s", roid, err)
			continue
		}
		if val == "" {
			rs.untrack(roid)
			continue
		}

		roinfo := &record.RoleRecord{}
		if err := roinfo.Unmarshal(val); err != nil {
			gmlog.TraceError("monitor: bad cached snapshot of role %d: %s", roid, err)
			continue
		}

		rs.track(roinfo)
		if err := rs.storeToDB(roinfo); err != nil {
			gmlog.Errorf("monitor: save of role %d failed: %s", roid, err)
		}
	}
}
