package logic

import (
	"encoding/json"
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
	"github.com/gomesh/gomesh/engine/srvdis"
)

// dcNever marks a role whose client is currently connected.
var dcNever = time.Unix(1<<40, 0)

// ClientHandler serves one client opcode for an online role. A returned
// error is reported to the caller as a handler failure status, not as a
// transport error.
type ClientHandler func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error)

// hydratedRole pairs a role's cached snapshot with the live object it was
// decoded into. Fields are guarded by the owning RoleService's mutex.
type hydratedRole struct {
	roinfo    *record.RoleRecord
	role      Role
	agentID   common.ServiceID // agent holding the client connection, empty when disconnected
	monitorID common.ServiceID // monitor holding the durable row
	dcSince   time.Time
}

// RoleService keeps the in-memory table of online roles: exactly one live
// object per role ID in this process. Roles enter through *role/login and
// leave through *role/logout or the disconnect grace period.
type RoleService struct {
	appName    string
	roleTTL    time.Duration
	dcToLogout time.Duration
	factory    RoleFactory

	mu    sync.Mutex
	roles map[common.RoleID]*hydratedRole

	handlersLock sync.RWMutex
	handlers     map[string]ClientHandler

	buckets     *ds.SaveBuckets // confined to the save timer
	saveTimer   *timer.Timer
	secondTimer *timer.Timer
	saveBusy    int32

	cachePut func(key string, val string, ttl time.Duration) error
}

// NewRoleService creates the role service. factory produces the
// application's role objects.
func NewRoleService(factory RoleFactory) *RoleService {
	logicCfg := config.GetLogic()
	return &RoleService{
		appName:    config.GetApp().Name,
		roleTTL:    logicCfg.RoleCacheTTL,
		dcToLogout: logicCfg.DisconnectToLogout,
		factory:    factory,
		roles:      map[common.RoleID]*hydratedRole{},
		handlers:   map[string]ClientHandler{},
		buckets:    ds.NewSaveBuckets(consts.SAVE_BUCKET_COUNT, consts.SAVE_BUCKET_CAPACITY),
		cachePut:   kvdb.Set,
	}
}

// Startup registers the role opcodes and arms the save and per-second
// timers.
func (rs *RoleService) Startup() {
	service.AddHandler(proto.OP_ROLE_LOGIN, rs.handleRoleLogin)
	service.AddHandler(proto.OP_ROLE_LOGOUT, rs.handleRoleLogout)
	service.AddHandler(proto.OP_ROLE_RECONNECT, rs.handleRoleReconnect)
	service.AddHandler(proto.OP_ROLE_DISCONNECT, rs.handleRoleDisconnect)
	service.AddHandler(proto.OP_ROLE_CLIENT_REQ, rs.handleClientRequest)

	rs.saveTimer = timer.AddTimer(config.GetLogic().SaveInterval, func() {
		if !atomic.CompareAndSwapInt32(&rs.saveBusy, 0, 1) {
			return
		}
		go func() {
			defer atomic.StoreInt32(&rs.saveBusy, 0)
			gmutils.RunPanicless(rs.saveTick)
		}()
	})
	rs.secondTimer = timer.AddTimer(time.Second, rs.everySecondTick)
}

// Shutdown cancels the timers.
func (rs *RoleService) Shutdown() {
	if rs.saveTimer != nil {
		rs.saveTimer.Cancel()
	}
	if rs.secondTimer != nil {
		rs.secondTimer.Cancel()
	}
}

// AddClientHandler registers the handler of a client opcode, panics when
// the opcode is taken.
func (rs *RoleService) AddClientHandler(opcode string, h ClientHandler) {
	rs.handlersLock.Lock()
	defer rs.handlersLock.Unlock()
	if _, ok := rs.handlers[opcode]; ok {
		gmlog.Panicf("logic: client handler for %s registered twice", opcode)
	}
	rs.handlers[opcode] = h
}

// SetClientHandler registers the handler of a client opcode, replacing any
// existing one.
func (rs *RoleService) SetClientHandler(opcode string, h ClientHandler) {
	rs.handlersLock.Lock()
	rs.handlers[opcode] = h
	rs.handlersLock.Unlock()
}

// RemoveClientHandler unregisters the handler of a client opcode.
func (rs *RoleService) RemoveClientHandler(opcode string) {
	rs.handlersLock.Lock()
	delete(rs.handlers, opcode)
	rs.handlersLock.Unlock()
}

func (rs *RoleService) getClientHandler(opcode string) ClientHandler {
	rs.handlersLock.RLock()
	h := rs.handlers[opcode]
	rs.handlersLock.RUnlock()
	return h
}

// FindOnlineRole returns the live object of an online role, nil when the
// role is not online in this process.
func (rs *RoleService) FindOnlineRole(roid common.RoleID) Role {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if h, ok := rs.roles[roid]; ok {
		return h.role
	}
	return nil
}

// NumOnline returns the number of online roles.
func (rs *RoleService) NumOnline() int {
	rs.mu.Lock()
	n := len(rs.roles)
	rs.mu.Unlock()
	return n
}

func (rs *RoleService) getHydrated(roid common.RoleID) *hydratedRole {
	rs.mu.Lock()
	h := rs.roles[roid]
	rs.mu.Unlock()
	return h
}

// insertHydrated inserts h unless the role is already online, in which case
// the existing entry wins and is returned. The first writer wins so two
// concurrent logins hydrate exactly one live object.
func (rs *RoleService) insertHydrated(h *hydratedRole) (*hydratedRole, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if existing, ok := rs.roles[h.roinfo.Roid]; ok {
		return existing, false
	}
	rs.roles[h.roinfo.Roid] = h
	return h, true
}

func (rs *RoleService) removeHydrated(roid common.RoleID) {
	rs.mu.Lock()
	delete(rs.roles, roid)
	rs.mu.Unlock()
}

// setViewCommonFields stamps the identity fields into a serialized view so
// every blob is self-describing.
func setViewCommonFields(view map[string]interface{}, roinfo *record.RoleRecord) {
	view["roid"] = int64(roinfo.Roid)
	view["username"] = roinfo.Username
	view["nickname"] = roinfo.Nickname
}

func marshalView(view map[string]interface{}, roinfo *record.RoleRecord) ([]byte, error) {
	setViewCommonFields(view, roinfo)
	return json.Marshal(view)
}

// storeToCache regenerates the role's serialized views from the live object
// and writes the snapshot into the shared cache. The shared record is read
// and written back only under the service mutex: the views are built into a
// private copy so concurrent saves never observe a half-regenerated record.
func (rs *RoleService) storeToCache(h *hydratedRole) error {
	rs.mu.Lock()
	roinfo := *h.roinfo
	rs.mu.Unlock()
	roinfo.UpdateTime = time.Now().Unix()

	var err error
	if roinfo.Avatar, err = marshalView(h.role.MakeAvatar(), &roinfo); err != nil {
		return err
	}
	if roinfo.Profile, err = marshalView(h.role.MakeProfile(), &roinfo); err != nil {
		return err
	}
	if roinfo.Whole, err = marshalView(h.role.MakeDBRecord(), &roinfo); err != nil {
		return err
	}

	gmlog.Infof("logic: saving role %d (%s) into cache", roinfo.Roid, roinfo.Nickname)
	val, err := roinfo.Marshal()
	if err != nil {
		return err
	}

	rs.mu.Lock()
	*h.roinfo = roinfo
	rs.mu.Unlock()
	return rs.cachePut(record.RoleCacheKey(rs.appName, roinfo.Roid), val, rs.roleTTL)
}

// flushToMonitor asks the monitor of the role's home zone to write the
// cached snapshot into durable storage. When the recorded monitor is gone,
// another monitor of the same zone takes over.
func (rs *RoleService) flushToMonitor(h *hydratedRole) {
	rs.mu.Lock()
	monitorID := h.monitorID
	homeZone := h.roinfo.HomeZone
	roid := h.roinfo.Roid
	rs.mu.Unlock()

	var picked common.ServiceID
	for _, rec := range srvdis.Resolve(srvdis.Multicast(proto.SRVTYPE_MONITOR)) {
		if rec.Zone == homeZone {
			picked = rec.ServiceID
			if picked == monitorID {
				break
			}
		}
	}
	if picked != monitorID {
		gmlog.Errorf("logic: monitor %s seems to be down", monitorID)
		rs.mu.Lock()
		h.monitorID = picked
		rs.mu.Unlock()
	}

	resp := service.Call(srvdis.Unicast(picked), proto.OP_ROLE_FLUSH,
		map[string]interface{}{"roid": int64(roid)})
	if resp.Err != nil {
		gmlog.Errorf("logic: flush of role %d to monitor %s failed: %s", roid, picked, resp.Err)
		return
	}
	gmlog.Infof("logic: flushed role %d to monitor %s", roid, picked)
}

func requestRoid(data map[string]interface{}, key string) (common.RoleID, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return 0, errors.Errorf("%s is missing", key)
	}
	roid := common.RoleID(typeconv.Int(v))
	if !roid.IsValid() {
		return 0, errors.Errorf("invalid %s %d", key, roid)
	}
	return roid, nil
}

func requestServiceID(data map[string]interface{}, key string) (common.ServiceID, error) {
	s, _ := data[key].(string)
	if s == "" {
		return "", errors.Errorf("%s is missing", key)
	}
	return common.ServiceID(s), nil
}

// handleRoleLogin hydrates a role from the shared cache and fires the login
// and connect events. The role must have been loaded into the cache by a
// monitor first.
func (rs *RoleService) handleRoleLogin(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data, "roid")
	if err != nil {
		return nil, err
	}
	agentID, err := requestServiceID(data, "agent_srv")
	if err != nil {
		return nil, err
	}
	monitorID, err := requestServiceID(data, "monitor_srv")
	if err != nil {
		return nil, err
	}

	h := rs.getHydrated(roid)
	if h == nil {
		val, err := kvdb.GetEx(record.RoleCacheKey(rs.appName, roid), rs.roleTTL)
		if err != nil {
			return nil, err
		}
		if val == "" {
			return map[string]interface{}{"status": proto.GS_ROLE_NOT_LOADED}, nil
		}

		roinfo := &record.RoleRecord{}
		if err := roinfo.Unmarshal(val); err != nil {
			return nil, errors.Wrap(err, "bad cached role snapshot")
		}

		role := rs.factory()
		role.Init(roinfo.Roid, roinfo.Username, roinfo.Nickname)
		if len(roinfo.Whole) > 0 {
			// a newly created role has an empty whole view
			var rec map[string]interface{}
			if err := json.Unmarshal(roinfo.Whole, &rec); err != nil {
				return nil, errors.Wrap(err, "bad role db record")
			}
			if err := role.ParseDBRecord(rec); err != nil {
				return nil, err
			}
		}

		var hydrated bool
		h, hydrated = rs.insertHydrated(&hydratedRole{roinfo: roinfo, role: role, dcSince: dcNever})
		if hydrated {
			h.role.OnLogin()
		}
	}

	rs.mu.Lock()
	h.agentID = agentID
	h.monitorID = monitorID
	h.dcSince = dcNever
	rs.mu.Unlock()
	h.role.OnConnect()

	if err := rs.storeToCache(h); err != nil {
		return nil, err
	}
	rs.flushToMonitor(h)

	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleRoleLogout fires the disconnect and logout events, writes the role
// back to the cache and unloads it from memory.
func (rs *RoleService) handleRoleLogout(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data, "roid")
	if err != nil {
		return nil, err
	}

	h := rs.getHydrated(roid)
	if h == nil {
		return map[string]interface{}{"status": proto.GS_ROLE_NOT_LOGGED_IN}, nil
	}

	rs.mu.Lock()
	h.agentID = ""
	h.dcSince = time.Now()
	rs.mu.Unlock()
	h.role.OnDisconnect()
	h.role.OnLogout()

	if err := rs.storeToCache(h); err != nil {
		return nil, err
	}
	rs.removeHydrated(roid)
	rs.flushToMonitor(h)

	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleRoleReconnect re-binds a returning client to whichever of its roles
// is still online, firing only the connect event. Login side effects are
// not repeated.
func (rs *RoleService) handleRoleReconnect(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	rawList, _ := data["roid_list"].([]interface{})
	agentID, err := requestServiceID(data, "agent_srv")
	if err != nil {
		return nil, err
	}

	var h *hydratedRole
	seen := common.RoleIDSet{}
	for _, raw := range rawList {
		roid := common.RoleID(typeconv.Int(raw))
		if !roid.IsValid() {
			return nil, errors.Errorf("invalid roid %d", roid)
		}
		if seen.Contains(roid) {
			continue
		}
		seen.Add(roid)
		if found := rs.getHydrated(roid); found != nil {
			h = found
		}
	}
	if h == nil {
		return map[string]interface{}{"status": proto.GS_RECONNECT_NOOP}, nil
	}

	rs.mu.Lock()
	h.agentID = agentID
	h.dcSince = dcNever
	roid := h.roinfo.Roid
	rs.mu.Unlock()
	h.role.OnConnect()

	return map[string]interface{}{
		"roid":   int64(roid),
		"status": proto.GS_OK,
	}, nil
}

// handleRoleDisconnect marks a role as disconnected, starting the grace
// period after which the save timer logs it out.
func (rs *RoleService) handleRoleDisconnect(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data, "roid")
	if err != nil {
		return nil, err
	}

	h := rs.getHydrated(roid)
	if h == nil {
		return map[string]interface{}{"status": proto.GS_ROLE_NOT_LOGGED_IN}, nil
	}

	rs.mu.Lock()
	h.agentID = ""
	h.dcSince = time.Now()
	rs.mu.Unlock()
	h.role.OnDisconnect()

	return map[string]interface{}{"status": proto.GS_OK}, nil
}

// handleClientRequest routes a client message to the registered client
// opcode handler. Handler failures come back as statuses so the agent can
// keep the connection alive.
func (rs *RoleService) handleClientRequest(ctx *service.Context, data map[string]interface{}) (map[string]interface{}, error) {
	roid, err := requestRoid(data, "roid")
	if err != nil {
		return nil, err
	}
	clientOpcode, _ := data["client_opcode"].(string)
	if clientOpcode == "" {
		return nil, errors.New("client_opcode is empty")
	}
	clientReq, _ := data["client_req"].(map[string]interface{})

	h := rs.getClientHandler(clientOpcode)
	if h == nil {
		return map[string]interface{}{"status": proto.GS_ROLE_HANDLER_NOT_FOUND}, nil
	}

	var clientResp map[string]interface{}
	err = gmutils.CatchPanic(func() error {
		var herr error
		clientResp, herr = h(roid, clientReq)
		return herr
	})
	if err != nil {
		gmlog.Errorf("logic: handler of %s failed for role %d: %s", clientOpcode, roid, err)
		return map[string]interface{}{"status": proto.GS_ROLE_HANDLER_EXCEPT}, nil
	}
	if clientResp == nil {
		clientResp = map[string]interface{}{}
	}
	return map[string]interface{}{
		"client_resp": clientResp,
		"status":      proto.GS_OK,
	}, nil
}

// agentCheck groups the online roles bound to one agent for a liveness
// cross-check.
type agentCheck struct {
	usernames       []string
	roidsByUsername map[string]common.RoleID
}

// checkAgents asks every agent that is supposed to be holding client
// connections whether it still agrees. Roles whose agent disagrees, or
// whose agent is gone entirely, are treated as disconnected; when the whole
// agent is down their snapshots are flushed immediately since the
// application is likely shutting down.
func (rs *RoleService) checkAgents(now time.Time) {
	checks := map[common.ServiceID]*agentCheck{}
	rs.mu.Lock()
	for roid, h := range rs.roles {
		if h.agentID == "" {
			continue
		}
		ac := checks[h.agentID]
		if ac == nil {
			ac = &agentCheck{roidsByUsername: map[string]common.RoleID{}}
			checks[h.agentID] = ac
		}
		ac.usernames = append(ac.usernames, h.roinfo.Username)
		ac.roidsByUsername[h.roinfo.Username] = roid
	}
	rs.mu.Unlock()

	// launch all requests before waiting on any
	futures := map[common.ServiceID]*service.Future{}
	for agentID, ac := range checks {
		usernameList := make([]interface{}, len(ac.usernames))
		for i, u := range ac.usernames {
			usernameList[i] = u
		}
		futures[agentID] = service.Launch(srvdis.Unicast(agentID), proto.OP_USER_CHECK_ROLES,
			map[string]interface{}{"username_list": usernameList})
	}

	for agentID, ac := range checks {
		agentDown := true
		for _, resp := range futures[agentID].WaitAll() {
			if resp.Err != nil {
				continue
			}
			roles, ok := resp.Data["roles"].(map[string]interface{})
			if !ok {
				continue
			}
			// users still on their original agent with the same role are fine
			agentDown = false
			for username, raw := range roles {
				rr, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				logicSrv, _ := rr["logic_srv"].(string)
				if common.RoleID(typeconv.Int(rr["roid"])) == ac.roidsByUsername[username] &&
					common.ServiceID(logicSrv) == service.LocalID() {
					delete(ac.roidsByUsername, username)
				}
			}
		}

		for _, roid := range ac.roidsByUsername {
			h := rs.getHydrated(roid)
			if h == nil {
				continue
			}
			rs.mu.Lock()
			if h.agentID != agentID {
				rs.mu.Unlock()
				continue
			}
			h.agentID = ""
			h.dcSince = now
			rs.mu.Unlock()
			h.role.OnDisconnect()

			if agentDown {
				if err := rs.storeToCache(h); err != nil {
					gmlog.Errorf("logic: save of role %d failed: %s", roid, err)
					continue
				}
				rs.flushToMonitor(h)
			}
		}
	}
}

// saveTick cross-checks agent bindings, then drains one save bucket:
// disconnected roles past the grace period are logged out, everything else
// is re-written into the shared cache.
func (rs *RoleService) saveTick() {
	now := time.Now()

	if rs.NumOnline() > 0 {
		rs.checkAgents(now)
	}

	if rs.buckets.Empty() {
		rs.mu.Lock()
		roids := make([]int64, 0, len(rs.roles))
		for roid := range rs.roles {
			roids = append(roids, int64(roid))
		}
		rs.mu.Unlock()
		rs.buckets.Refill(roids)
	}

	for _, i := range rs.buckets.Pop() {
		roid := common.RoleID(i)
		h := rs.getHydrated(roid)
		if h == nil {
			continue
		}

		rs.mu.Lock()
		expired := now.Sub(h.dcSince) >= rs.dcToLogout
		rs.mu.Unlock()

		if expired {
			gmlog.Debugf("logic: logging out role %d due to inactivity", roid)
			h.role.OnLogout()

			if err := rs.storeToCache(h); err != nil {
				gmlog.Errorf("logic: save of role %d failed: %s", roid, err)
				continue
			}
			rs.removeHydrated(roid)
			rs.flushToMonitor(h)
		} else {
			if err := rs.storeToCache(h); err != nil {
				gmlog.Errorf("logic: save of role %d failed: %s", roid, err)
			}
		}
	}
}

// everySecondTick runs the per-second callback of every online role.
func (rs *RoleService) everySecondTick() {
	rs.mu.Lock()
	roles := make([]Role, 0, len(rs.roles))
	for _, h := range rs.roles {
		roles = append(roles, h.role)
	}
	rs.mu.Unlock()

	for _, role := range roles {
		gmutils.RunPanicless(role.OnEverySecond)
	}
}
