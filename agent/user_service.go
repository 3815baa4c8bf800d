package agent

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/typeconv"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/kvdb"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/record"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/sqldb"
	"github.com/gomesh/gomesh/engine/srvdis"
)

// banLifted is the banned_until sentinel of users who are not banned
const banLifted = "1999-01-01"

const createUserTableStmt = `CREATE TABLE IF NOT EXISTS user (
	username VARCHAR(255) NOT NULL,
	creation_time DATETIME NOT NULL,
	login_address VARCHAR(255),
	login_time DATETIME,
	logout_time DATETIME,
	banned_until DATETIME NOT NULL,
	PRIMARY KEY (username)
) ENGINE = InnoDB`

// serial doubles as the role ID of the role created under the nickname, so
// the counter starts well inside the valid role ID range
const createNicknameTableStmt = `CREATE TABLE IF NOT EXISTS nickname (
	nickname VARCHAR(255) NOT NULL,
	serial BIGINT NOT NULL AUTO_INCREMENT,
	username VARCHAR(255) NOT NULL,
	creation_time DATETIME NOT NULL,
	PRIMARY KEY (nickname),
	UNIQUE KEY serial (serial)
) ENGINE = InnoDB AUTO_INCREMENT = 15743`

// UserService owns the client side of the mesh: it authenticates websocket
// sessions, enforces single login per username across all agents through the
// shared cache, probes session liveness and relays gameplay traffic to the
// logic service owning the session's role.
type UserService struct {
	db           *sqldb.DB
	appName      string
	zone         string
	userTTL      time.Duration
	pingInterval time.Duration
	rateLimit    int
	maxRoles     int
	nickWidthMin int
	nickWidthMax int
	relayFile    string

	mu      sync.Mutex
	dbReady bool
	users   map[string]*userConn

	authLock       sync.RWMutex
	authenticators map[string]Authenticator

	relay relayTable

	pingTimer *timer.Timer
	userTimer *timer.Timer
	pingBusy  int32
	checkBusy int32
}

// NewUserService creates the user service on top of db. Call Startup to
// register its handlers and start the liveness timers.
func NewUserService(db *sqldb.DB) *UserService {
	appCfg := config.GetApp()
	agentCfg := config.GetAgent()
	return &UserService{
		db:           db,
		appName:      appCfg.Name,
		zone:         appCfg.Zone,
		userTTL:      agentCfg.UserCacheTTL,
		pingInterval: agentCfg.PingInterval,
		rateLimit:    agentCfg.RateLimit,
		maxRoles:     agentCfg.MaxRoles,
		nickWidthMin: agentCfg.NickWidthMin,
		nickWidthMax: agentCfg.NickWidthMax,
		relayFile:    config.GetConfigDir() + agentCfg.RelayConfFile,
		users:        map[string]*userConn{},
		authenticators: map[string]Authenticator{
			"/": usernameAuthenticator,
		},
	}
}

// Startup loads the relay rules, registers the user opcodes and arms the
// ping and snapshot-republish timers.
func (us *UserService) Startup() error {
	if err := us.relay.Load(us.relayFile); err != nil {
		return err
	}

	service.AddHandler(proto.OP_USER_KICK, us.handleUserKick)
	service.AddHandler(proto.OP_USER_CHECK_ROLES, us.handleUserCheckRoles)
	service.AddHandler(proto.OP_USER_PUSH_MESSAGE, us.handleUserPushMessage)
	service.AddHandler(proto.OP_USER_RELOAD_RELAY, us.handleUserReloadRelay)
	service.AddHandler(proto.OP_USER_BAN_SET, us.handleUserBanSet)
	service.AddHandler(proto.OP_USER_BAN_LIFT, us.handleUserBanLift)
	service.AddHandler(proto.OP_NICKNAME_ACQUIRE, us.handleNicknameAcquire)
	service.AddHandler(proto.OP_NICKNAME_RELEASE, us.handleNicknameRelease)

	us.pingTimer = timer.AddTimer(consts.AGENT_PING_INTERVAL, func() {
		if !atomic.CompareAndSwapInt32(&us.pingBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&us.pingBusy, 0)
			gmutils.RunPanicless(us.pingTick)
		}()
	})
	us.userTimer = timer.AddTimer(consts.AGENT_CHECK_USER_INTERVAL, func() {
		if !atomic.CompareAndSwapInt32(&us.checkBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&us.checkBusy, 0)
			gmutils.RunPanicless(us.checkUserTick)
		}()
	})
	return nil
}

// Shutdown cancels the timers.
func (us *UserService) Shutdown() {
	if us.pingTimer != nil {
		us.pingTimer.Cancel()
	}
	if us.userTimer != nil {
		us.userTimer.Cancel()
	}
}

// AddAuthenticator registers the authenticator of a handshake path.
func (us *UserService) AddAuthenticator(path string, a Authenticator) {
	us.authLock.Lock()
	us.authenticators[path] = a
	us.authLock.Unlock()
}

func (us *UserService) authenticator(path string) Authenticator {
	us.authLock.RLock()
	a := us.authenticators[path]
	us.authLock.RUnlock()
	return a
}

// NumOnline returns the number of registered sessions.
func (us *UserService) NumOnline() int {
	us.mu.Lock()
	n := len(us.users)
	us.mu.Unlock()
	return n
}

func (us *UserService) findUser(username string) *userConn {
	us.mu.Lock()
	uc := us.users[username]
	us.mu.Unlock()
	return uc
}

// registerUser installs uc as the session of its username, returning the
// session it displaced, if any.
func (us *UserService) registerUser(uc *userConn) *userConn {
	us.mu.Lock()
	prev := us.users[uc.username]
	us.users[uc.username] = uc
	us.mu.Unlock()
	return prev
}

// unregisterUser removes uc from the registry, but only while it is still
// the registered session: a newer login for the same username must not be
// torn down by the old connection's exit path.
func (us *UserService) unregisterUser(uc *userConn) bool {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.users[uc.username] != uc {
		return false
	}
	delete(us.users, uc.username)
	return true
}

func (us *UserService) snapshotUsers() map[string]*userConn {
	us.mu.Lock()
	users := make(map[string]*userConn, len(us.users))
	for username, uc := range us.users {
		users[username] = uc
	}
	us.mu.Unlock()
	return users
}

// ensureDBReady verifies the user and nickname tables once. Sessions are
// refused before the first verification succeeds.
func (us *UserService) ensureDBReady() error {
	us.mu.Lock()
	ready := us.dbReady
	us.mu.Unlock()
	if ready {
		return nil
	}
	if err := us.db.EnsureTable("user", createUserTableStmt); err != nil {
		return err
	}
	if err := us.db.EnsureTable("nickname", createNicknameTableStmt); err != nil {
		return err
	}
	us.mu.Lock()
	us.dbReady = true
	us.mu.Unlock()
	return nil
}

// pickMonitor chooses a monitor service, preferring the local zone so roles
// created here get a home in this zone's database.
func (us *UserService) pickMonitor() common.ServiceID {
	recs := srvdis.Resolve(srvdis.Multicast(proto.SRVTYPE_MONITOR))
	var candidates []common.ServiceID
	for _, rec := range recs {
		if rec.Zone == us.zone {
			candidates = append(candidates, rec.ServiceID)
		}
	}
	if len(candidates) == 0 {
		for _, rec := range recs {
			candidates = append(candidates, rec.ServiceID)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.Intn(len(candidates))]
}

// publishUser writes the user's online snapshot into the shared cache and
// returns the snapshot it replaced. The previous snapshot names the agent
// that held the user before, which is how a duplicate login anywhere in the
// mesh finds the session to kick.
func (us *UserService) publishUser(uc *userConn) (*record.UserRecord, error) {
	uc.mu.Lock()
	urec := &record.UserRecord{
		Username:     uc.username,
		AgentID:      service.LocalID(),
		LoginAddress: uc.remoteAddr,
		LoginTime:    time.Now().Unix(),
		BannedUntil:  uc.bannedUntil,
	}
	uc.mu.Unlock()

	val, err := urec.Marshal()
	if err != nil {
		return nil, err
	}
	old, err := kvdb.SetGet(record.UserCacheKey(us.appName, uc.username), val, us.userTTL)
	if err != nil {
		return nil, err
	}
	if old == "" {
		return nil, nil
	}
	prev := &record.UserRecord{}
	if err := prev.Unmarshal(old); err != nil {
		return nil, errors.Wrap(err, "bad cached user snapshot")
	}
	return prev, nil
}

func requestString(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

// pingTick sweeps every registered session: dead connections and sessions
// silent for over three probe intervals expire, sessions silent for over one
// interval get a liveness probe. Expired sessions are torn down after the
// sweep so the registry is not mutated while being iterated.
func (us *UserService) pingTick() {
	if err := us.ensureDBReady(); err != nil {
		gmlog.Errorf("agent: user tables not ready: %s", err)
		return
	}

	now := time.Now()
	var expired []*userConn
	for _, uc := range us.snapshotUsers() {
		if uc.isClosed() {
			expired = append(expired, uc)
			continue
		}
		silent := now.Sub(uc.heartbeatTime())
		if silent > 3*us.pingInterval {
			uc.closeWith(proto.CLOSE_PING_TIMEOUT, "liveness probe timed out")
			expired = append(expired, uc)
		} else if silent > us.pingInterval {
			uc.push(map[string]interface{}{proto.CLIENT_KEY_OPCODE: proto.PUSH_PING})
		}
	}

	for _, uc := range expired {
		us.teardownSession(uc)
	}
}

// checkUserTick republishes the snapshot of every online user so the cache
// entries outlive their TTL while the user stays connected.
func (us *UserService) checkUserTick() {
	for username, uc := range us.snapshotUsers() {
		if uc.isClosed() {
			continue
		}
		if _, err := us.publishUser(uc); err != nil {
			gmlog.Errorf("agent: republish of user %s failed: %s", username, err)
		}
	}
}

// handleUserKick closes the session of a user. Other agents call this when
// the user logs in elsewhere.
func (us *UserService) handleUserKick(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	code := proto.CLOSE_LOGIN_CONFLICT
	if v, ok := data["ws_status"]; ok && v != nil {
		code = int(typeconv.Int(v))
	}
	if code < 1000 || code > 4999 {
		code = proto.CLOSE_LOGIN_CONFLICT
	}

	uc := us.findUser(username)
	if uc == nil {
		return map[string]interface{}{"status": proto.GS_USER_NOT_ONLINE}, nil
	}
	uc.closeWith(code, "kicked")
	us.teardownSession(uc)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleUserCheckRoles reports which of the listed users are online here and
// which role each has selected. Logic services cross-check their role
// bindings against this.
func (us *UserService) handleUserCheckRoles(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	rawList, _ := data["username_list"].([]interface{})
	roles := map[string]interface{}{}
	for _, raw := range rawList {
		username, _ := raw.(string)
		uc := us.findUser(username)
		if uc == nil || uc.isClosed() {
			continue
		}
		roid, logicID := uc.rolePair()
		if roid == 0 {
			continue
		}
		roles[username] = map[string]interface{}{
			"roid":      int64(roid),
			"logic_srv": string(logicID),
		}
	}
	return map[string]interface{}{
		"roles":  roles,
		"status": proto.GS_OK,
	}, nil
}

// handleUserPushMessage forwards a server-originated frame to the user's
// client. Offline users are ignored silently, the frame is best-effort.
func (us *UserService) handleUserPushMessage(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	message, _ := data["message"].(map[string]interface{})
	if message == nil {
		return nil, errors.New("message is missing")
	}

	if uc := us.findUser(username); uc != nil && !uc.isClosed() {
		uc.push(message)
	}
	return map[string]interface{}{}, nil
}

// handleUserReloadRelay re-reads the relay rules from disk.
func (us *UserService) handleUserReloadRelay(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	if err := us.relay.Load(us.relayFile); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleUserBanSet bans a user until the given time and kicks their session.
func (us *UserService) handleUserBanSet(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	v, ok := data["banned_until"]
	if !ok || v == nil {
		return nil, errors.New("banned_until is missing")
	}
	bannedUntil := typeconv.Int(v)
	if err := us.ensureDBReady(); err != nil {
		return nil, err
	}

	res, err := us.db.Exec("UPDATE user SET banned_until = FROM_UNIXTIME(?) WHERE username = ?", bannedUntil, username)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return map[string]interface{}{"status": proto.GS_USER_NOT_FOUND}, nil
	}

	if uc := us.findUser(username); uc != nil {
		uc.setBannedUntil(bannedUntil)
		if bannedUntil > time.Now().Unix() {
			uc.closeWith(proto.CLOSE_BANNED, "account banned")
			us.teardownSession(uc)
		}
	}
	gmlog.Infof("agent: banned user %s until %d", username, bannedUntil)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleUserBanLift clears a user's ban.
func (us *UserService) handleUserBanLift(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	if err := us.ensureDBReady(); err != nil {
		return nil, err
	}

	res, err := us.db.Exec("UPDATE user SET banned_until = ? WHERE username = ?", banLifted, username)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return map[string]interface{}{"status": proto.GS_USER_NOT_FOUND}, nil
	}
	gmlog.Infof("agent: lifted ban of user %s", username)
	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleNicknameAcquire claims a nickname for a user and returns its serial,
// which becomes the role ID of the role created under it. Claiming is
// retryable: re-claiming an own nickname returns the same serial, only a
// nickname held by a different user conflicts.
func (us *UserService) handleNicknameAcquire(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	nickname := requestString(data, "nickname")
	if nickname == "" {
		return nil, errors.New("nickname is empty")
	}
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	if err := us.ensureDBReady(); err != nil {
		return nil, err
	}

	res, err := us.db.Exec(
		"INSERT IGNORE INTO nickname SET nickname = ?, username = ?, creation_time = NOW()",
		nickname, username)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	var serial int64
	if affected > 0 {
		if serial, err = res.LastInsertId(); err != nil {
			return nil, err
		}
	} else {
		row := us.db.QueryRow("SELECT serial FROM nickname WHERE nickname = ? AND username = ?", nickname, username)
		err := row.Scan(&serial)
		if sqldb.IsNoRowsError(err) {
			return map[string]interface{}{"status": proto.GS_NICKNAME_CONFLICT}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	gmlog.Infof("agent: nickname %s of user %s has serial %d", nickname, username, serial)
	return map[string]interface{}{
		"serial": serial,
		"status": proto.GS_OK,
	}, nil
}

// handleNicknameRelease gives a nickname back.
func (us *UserService) handleNicknameRelease(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	nickname := requestString(data, "nickname")
	if nickname == "" {
		return nil, errors.New("nickname is empty")
	}
	username := requestString(data, "username")
	if username == "" {
		return nil, errors.New("username is empty")
	}
	if err := us.ensureDBReady(); err != nil {
		return nil, err
	}

	res, err := us.db.Exec("DELETE FROM nickname WHERE nickname = ? AND username = ?", nickname, username)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return map[string]interface{}{"status": proto.GS_NICKNAME_NOT_FOUND}, nil
	}
	return map[string]interface{}{"status": proto.GS_OK}, nil
}
