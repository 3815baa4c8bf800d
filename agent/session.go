package agent

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	"github.com/xiaonanln/typeconv"
	"github.com/gomesh/gomesh/engine/async"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/srvdis"
	"golang.org/x/net/websocket"
)

// errSessionRefused marks a session the open flow already closed itself
var errSessionRefused = errors.New("session refused")

// ClientHandler returns the http handler of the public client endpoint.
func (us *UserService) ClientHandler() http.Handler {
	return websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			return nil // origin is not checked, clients are not browsers
		},
		Handler: us.serveClient,
	}
}

func (us *UserService) serveClient(ws *websocket.Conn) {
	req := ws.Request()

	auth := us.authenticator(req.URL.Path)
	if auth == nil {
		gmlog.Warnf("agent: no authenticator for path %s", req.URL.Path)
		ws.Close()
		return
	}
	username, err := auth(req)
	if err != nil {
		gmlog.Warnf("agent: authentication on %s failed: %s", req.URL.Path, err)
		uc := newUserConn(ws, "", req.RemoteAddr)
		uc.closeWith(proto.CLOSE_AUTH_FAILED, "authentication failed")
		return
	}

	uc := newUserConn(ws, username, req.RemoteAddr)
	if err := us.openSession(uc); err != nil {
		if err != errSessionRefused {
			gmlog.Errorf("agent: open session of %s failed: %s", username, err)
			uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "login failed")
		}
		return
	}

	us.readLoop(uc)
	uc.markClosed()
	us.teardownSession(uc)
}

/// openSession runs the login sequence of an authenticated connection: upsert
// the user row, check the ban, fetch the role list, claim the username from
// whichever agent held it before, and welcome the client.
func (us *UserService) openSession(uc *userConn) error {
	if err := us.ensureDBReady(); err != nil {
		gmlog.Errorf("agent: user tables not ready: %s", err)
		uc.closeWith(proto.CLOSE_TRY_AGAIN_LATER, "not ready")
		return errSessionRefused
	}

	_, err := us.db.Exec(
		"INSERT INTO user SET username = ?, creation_time = NOW(), login_address = ?, login_time = NOW(), banned_until = ? "+
			"ON DUPLICATE KEY UPDATE login_address = ?, login_time = NOW()",
		uc.username, uc.remoteAddr, banLifted, uc.remoteAddr)
	if err != nil {
		return err
	}

	var bannedUntil int64
	row := us.db.QueryRow("SELECT UNIX_TIMESTAMP(banned_until) FROM user WHERE username = ?", uc.username)
	if err := row.Scan(&bannedUntil); err != nil {
		return err
	}
	uc.setBannedUntil(bannedUntil)
	if bannedUntil > time.Now().Unix() {
		uc.closeWith(proto.CLOSE_BANNED, "account banned")
		return errSessionRefused
	}

	monitorID := us.pickMonitor()
	if monitorID == "" {
		return errors.New("no monitor available")
	}
	resp := service.Call(srvdis.Unicast(monitorID), proto.OP_ROLE_LIST,
		map[string]interface{}{"username": uc.username})
	if resp.Err != nil {
		return resp.Err
	}
	if st := requestString(resp.Data, "status"); st != proto.GS_OK {
		return errors.Errorf("role list refused: %s", st)
	}
	rawAvatars, _ := resp.Data["raw_avatars"].(map[string]interface{})
	for roidStr, raw := range rawAvatars {
		roid, err := strconv.ParseInt(roidStr, 10, 64)
		if err != nil {
			return errors.Wrap(err, "bad roid in role list")
		}
		avatar, _ := raw.(string)
		uc.setAvatar(common.RoleID(roid), avatar)
	}

	prev, err := us.publishUser(uc)
	if err != nil {
		return err
	}
	if prev != nil && prev.AgentID != "" && prev.AgentID != service.LocalID() {
		kick := service.Call(srvdis.Unicast(prev.AgentID), proto.OP_USER_KICK, map[string]interface{}{
			"username":  uc.username,
			"ws_status": proto.CLOSE_LOGIN_CONFLICT,
		})
		if kick.Err != nil {
			gmlog.Warnf("agent: kick of %s on agent %s failed: %s", uc.username, prev.AgentID, kick.Err)
		}
	}

	if old := us.registerUser(uc); old != nil {
		old.closeWith(proto.CLOSE_LOGIN_CONFLICT, "logged in elsewhere")
	}
	gmlog.Infof("agent: user %s logged in from %s with %d role(s)", uc.username, uc.remoteAddr, uc.numAvatars())

	us.welcome(uc)
	return nil
}

// welcome re-binds a returning client to a role that is still online in some
// logic service, resumes a freshly created role, or hands the client its
// role list to choose from.
func (us *UserService) welcome(uc *userConn) {
	roids := uc.avatarRoids()
	if len(roids) > 0 {
		list := make([]interface{}, len(roids))
		for i, roid := range roids {
			list[i] = int64(roid)
		}
		f := service.Launch(srvdis.Multicast(proto.SRVTYPE_LOGIC), proto.OP_ROLE_RECONNECT,
			map[string]interface{}{
				"roid_list": list,
				"agent_srv": string(service.LocalID()),
			})
		for _, resp := range f.WaitAll() {
			if resp.Err != nil || requestString(resp.Data, "status") != proto.GS_OK {
				continue
			}
			roid := common.RoleID(typeconv.Int(resp.Data["roid"]))
			uc.bindRolePair(roid, resp.Peer)
			gmlog.Infof("agent: user %s reconnected to role %d on %s", uc.username, roid, resp.Peer)
			return
		}
	}

	if roid := uc.freshRoid(); roid != 0 {
		// the role was created but never played, resume it directly
		err := us.loadAndLogin(uc, roid)
		if err == nil {
			return
		}
		gmlog.Errorf("agent: resume of fresh role %d failed: %s", roid, err)
	}

	avatarList := make([]interface{}, 0, len(roids))
	for _, avatar := range uc.rawAvatars() {
		if avatar != "" {
			avatarList = append(avatarList, avatar)
		}
	}
	uc.push(map[string]interface{}{
		proto.CLIENT_KEY_OPCODE: proto.PUSH_ROLE_LIST,
		"avatar_list":           avatarList,
	})
}

// loadAndLogin asks a monitor to load the role into the shared cache, then
// logs it in on a logic service.
func (us *UserService) loadAndLogin(uc *userConn, roid common.RoleID) error {
	monitorID := us.pickMonitor()
	if monitorID == "" {
		return errors.New("no monitor available")
	}
	resp := service.Call(srvdis.Unicast(monitorID), proto.OP_ROLE_LOAD,
		map[string]interface{}{"roid": int64(roid)})
	if resp.Err != nil {
		return resp.Err
	}
	if st := requestString(resp.Data, "status"); st != proto.GS_OK {
		return errors.Errorf("role load refused: %s", st)
	}
	return us.roleLogin(uc, roid, monitorID)
}

// roleLogin binds the session to the role before the login RPC goes out so
// a concurrent login on the same session is refused rather than raced.
func (us *UserService) roleLogin(uc *userConn, roid common.RoleID, monitorID common.ServiceID) error {
	recs := srvdis.Resolve(srvdis.Randomcast(proto.SRVTYPE_LOGIC))
	if len(recs) == 0 {
		return errors.New("no logic service available")
	}
	logicID := recs[0].ServiceID

	if !uc.lockRolePair(roid, logicID) {
		return errors.New("another role is selected")
	}
	resp := service.Call(srvdis.Unicast(logicID), proto.OP_ROLE_LOGIN, map[string]interface{}{
		"roid":        int64(roid),
		"agent_srv":   string(service.LocalID()),
		"monitor_srv": string(monitorID),
	})
	if resp.Err != nil {
		uc.unlockRolePair()
		return resp.Err
	}
	if st := requestString(resp.Data, "status"); st != proto.GS_OK {
		uc.unlockRolePair()
		return errors.Errorf("role login refused: %s", st)
	}
	gmlog.Infof("agent: user %s logged role %d in on %s", uc.username, roid, logicID)
	return nil
}

// roleLogout logs the bound role out of its logic service and unlocks the
// pair afterwards, so a login racing the logout is refused until the
// handover finished.
func (us *UserService) roleLogout(uc *userConn) {
	roid, logicID := uc.rolePair()
	if roid == 0 {
		return
	}
	resp := service.Call(srvdis.Unicast(logicID), proto.OP_ROLE_LOGOUT,
		map[string]interface{}{"roid": int64(roid)})
	if resp.Err != nil {
		gmlog.Errorf("agent: logout of role %d on %s failed: %s", roid, logicID, resp.Err)
	}
	uc.unlockRolePair()
}

// teardownSession removes uc from the registry and tells the owning logic
// service the client is gone. It is a no-op when a newer session already
// displaced uc.
func (us *UserService) teardownSession(uc *userConn) {
	if !us.unregisterUser(uc) {
		return
	}

	if roid, logicID := uc.rolePair(); roid != 0 {
		resp := service.Call(srvdis.Unicast(logicID), proto.OP_ROLE_DISCONNECT,
			map[string]interface{}{"roid": int64(roid)})
		if resp.Err != nil {
			gmlog.Errorf("agent: disconnect of role %d on %s failed: %s", roid, logicID, resp.Err)
		}
	}

	username := uc.username
	async.AppendAsyncJob("agent-db", func() (interface{}, error) {
		return us.db.Exec("UPDATE user SET logout_time = NOW() WHERE username = ?", username)
	}, func(res interface{}, err error) {
		if err != nil {
			gmlog.Errorf("agent: logout time of %s not recorded: %s", username, err)
		}
	})
	gmlog.Infof("agent: user %s logged out", uc.username)
}

func (us *UserService) readLoop(uc *userConn) {
	for {
		var frame map[string]interface{}
		if err := websocket.JSON.Receive(uc.ws, &frame); err != nil {
			if err != io.EOF {
				gmlog.Debugf("agent: connection of %s lost: %s", uc.username, err)
			}
			return
		}

		now := time.Now()
		uc.touchHeartbeat(now)
		if !uc.checkRate(us.rateLimit, now) {
			uc.closeWith(proto.CLOSE_RATE_LIMITED, "message rate exceeded")
			return
		}

		opcode, _ := frame[proto.CLIENT_KEY_OPCODE].(string)
		err := gmutils.CatchPanic(func() error {
			us.dispatchClient(uc, opcode, frame)
			return nil
		})
		if err != nil {
			gmlog.Errorf("agent: request %s of %s failed: %s", opcode, uc.username, err)
			uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "internal error")
		}
		if uc.isClosed() {
			return
		}
	}
}

func (us *UserService) dispatchClient(uc *userConn, opcode string, frame map[string]interface{}) {
	switch opcode {
	case proto.COP_HEARTBEAT:
		// liveness is already touched in the read loop
	case proto.COP_ROLE_CREATE:
		us.clientRoleCreate(uc, frame)
	case proto.COP_ROLE_LOGIN:
		us.clientRoleLogin(uc, frame)
	case proto.COP_ROLE_LOGOUT:
		us.clientRoleLogout(uc, frame)
	default:
		us.relayClient(uc, opcode, frame)
	}
}

// nicknameWidth measures the display width of a nickname. Control and other
// zero-width runes make it invalid.
func nicknameWidth(nickname string) (int, bool) {
	width := 0
	for _, r := range nickname {
		w := runewidth.RuneWidth(r)
		if w <= 0 {
			return 0, false
		}
		width += w
	}
	return width, true
}

// clientRoleCreate claims the nickname, creates the role row on a monitor
// and logs the new role in. The nickname serial doubles as the role ID.
func (us *UserService) clientRoleCreate(uc *userConn, frame map[string]interface{}) {
	nickname := requestString(frame, "nickname")

	if uc.numAvatars() >= us.maxRoles {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_TOO_MANY_ROLES})
		return
	}
	width, ok := nicknameWidth(nickname)
	if !ok || nickname == "" {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_NICKNAME_INVALID})
		return
	}
	if width < us.nickWidthMin || width > us.nickWidthMax {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_NICKNAME_LENGTH_ERROR})
		return
	}

	// claiming goes through the service layer so any agent instance can serve it
	resp := service.Call(srvdis.Unicast(service.LocalID()), proto.OP_NICKNAME_ACQUIRE, map[string]interface{}{
		"nickname": nickname,
		"username": uc.username,
	})
	if resp.Err != nil {
		uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "internal error")
		return
	}
	if st := requestString(resp.Data, "status"); st != proto.GS_OK {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_NICKNAME_CONFLICT})
		return
	}
	roid := common.RoleID(typeconv.Int(resp.Data["serial"]))

	monitorID := us.pickMonitor()
	if monitorID == "" {
		uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "internal error")
		return
	}
	created := service.Call(srvdis.Unicast(monitorID), proto.OP_ROLE_CREATE, map[string]interface{}{
		"roid":     int64(roid),
		"username": uc.username,
		"nickname": nickname,
	})
	if created.Err != nil {
		uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "internal error")
		return
	}
	if st := requestString(created.Data, "status"); st != proto.GS_OK {
		uc.respond(frame, map[string]interface{}{"status": st})
		return
	}

	uc.setAvatar(roid, "")
	if err := us.roleLogin(uc, roid, monitorID); err != nil {
		gmlog.Errorf("agent: login of new role %d failed: %s", roid, err)
		uc.respond(frame, map[string]interface{}{"status": proto.SC_ROLE_UNAVAILABLE})
		return
	}
	uc.respond(frame, map[string]interface{}{
		"roid":   int64(roid),
		"status": proto.SC_OK,
	})
}

// clientRoleLogin selects one of the user's roles. Selecting the bound role
// again is a no-op, switching roles logs the previous one out first.
func (us *UserService) clientRoleLogin(uc *userConn, frame map[string]interface{}) {
	v, ok := frame["roid"]
	if !ok || v == nil {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_ROLE_UNAVAILABLE})
		return
	}
	roid := common.RoleID(typeconv.Int(v))

	current, _ := uc.rolePair()
	if current == roid {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_ROLE_SELECTED})
		return
	}
	if !uc.hasAvatar(roid) {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_ROLE_UNAVAILABLE})
		return
	}
	if current != 0 {
		us.roleLogout(uc)
	}

	if err := us.loadAndLogin(uc, roid); err != nil {
		gmlog.Errorf("agent: login of role %d by %s failed: %s", roid, uc.username, err)
		uc.respond(frame, map[string]interface{}{"status": proto.SC_ROLE_UNAVAILABLE})
		return
	}
	uc.respond(frame, map[string]interface{}{
		"roid":   int64(roid),
		"status": proto.SC_OK,
	})
}

func (us *UserService) clientRoleLogout(uc *userConn, frame map[string]interface{}) {
	if roid, _ := uc.rolePair(); roid == 0 {
		uc.respond(frame, map[string]interface{}{"status": proto.SC_NO_ROLE_SELECTED})
		return
	}
	us.roleLogout(uc)
	uc.respond(frame, map[string]interface{}{"status": proto.SC_OK})
}

// relayClient routes a gameplay opcode by the relay table: denied opcodes
// are refused, logic opcodes are forwarded to the logic service owning the
// session's role, anything unlisted closes the connection.
func (us *UserService) relayClient(uc *userConn, opcode string, frame map[string]interface{}) {
	switch us.relay.action(opcode) {
	case relayDenied:
		uc.respond(frame, map[string]interface{}{"status": proto.SC_OPCODE_DENIED})
	case relayLogic:
		roid, logicID := uc.rolePair()
		if roid == 0 {
			uc.respond(frame, map[string]interface{}{"status": proto.SC_NO_ROLE_SELECTED})
			return
		}

		clientReq := map[string]interface{}{}
		for k, v := range frame {
			if strings.HasPrefix(k, "%") {
				continue
			}
			clientReq[k] = v
		}
		resp := service.Call(srvdis.Unicast(logicID), proto.OP_ROLE_CLIENT_REQ, map[string]interface{}{
			"roid":          int64(roid),
			"client_opcode": opcode,
			"client_req":    clientReq,
		})
		if resp.Err != nil {
			gmlog.Errorf("agent: relay of %s to %s failed: %s", opcode, logicID, resp.Err)
			uc.closeWith(proto.CLOSE_UNEXPECTED_ERROR, "internal error")
			return
		}
		if st := requestString(resp.Data, "status"); st != proto.GS_OK {
			uc.respond(frame, map[string]interface{}{"status": st})
			return
		}
		clientResp, _ := resp.Data["client_resp"].(map[string]interface{})
		if clientResp == nil {
			clientResp = map[string]interface{}{}
		}
		clientResp["status"] = proto.SC_OK
		uc.respond(frame, clientResp)
	default:
		uc.closeWith(proto.CLOSE_UNKNOWN_OPCODE, "unknown opcode "+opcode)
	}
}
