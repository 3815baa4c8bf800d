package agent

import (
	"sync"
	"time"

	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/proto"
	"golang.org/x/net/websocket"
)

// userConn is the per-socket state of one authenticated client. The registry
// keeps it by username; the connection can die independently of the registry
// entry, so isClosed must be checked before trusting the handle.
type userConn struct {
	ws         *websocket.Conn
	username   string
	remoteAddr string

	sendLock sync.Mutex // websocket frames must not interleave

	mu            sync.Mutex
	closed        bool
	lastHeartbeat time.Time
	rateStart     time.Time
	rateCount     int
	bannedUntil   int64
	currentRoid   common.RoleID    // 0 = no role selected
	currentLogic  common.ServiceID // set and cleared together with currentRoid
	avatars       map[common.RoleID]string
}

func newUserConn(ws *websocket.Conn, username string, remoteAddr string) *userConn {
	now := time.Now()
	return &userConn{
		ws:            ws,
		username:      username,
		remoteAddr:    remoteAddr,
		lastHeartbeat: now,
		rateStart:     now,
		avatars:       map[common.RoleID]string{},
	}
}

// push sends one frame to the client
func (uc *userConn) push(frame map[string]interface{}) error {
	uc.sendLock.Lock()
	defer uc.sendLock.Unlock()
	if uc.ws == nil {
		return nil
	}
	return websocket.JSON.Send(uc.ws, frame)
}

// respond answers a client request, echoing the opcode and the client's
// correlation serial when it sent one
func (uc *userConn) respond(req map[string]interface{}, resp map[string]interface{}) {
	resp[proto.CLIENT_KEY_OPCODE] = req[proto.CLIENT_KEY_OPCODE]
	if serial, ok := req[proto.CLIENT_KEY_SERIAL]; ok {
		resp[proto.CLIENT_KEY_SERIAL] = serial
	}
	if err := uc.push(resp); err != nil {
		gmlog.Debugf("agent: respond to %s failed: %s", uc.username, err)
	}
}

// closeWith tells the client why it is being dropped, then closes the socket
func (uc *userConn) closeWith(code int, reason string) {
	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return
	}
	uc.closed = true
	uc.mu.Unlock()

	uc.push(map[string]interface{}{ // best effort, the peer may be gone
		proto.CLIENT_KEY_OPCODE: proto.PUSH_CLOSED,
		"code":                  code,
		"reason":                reason,
	})
	if uc.ws != nil {
		uc.ws.Close()
	}
	gmlog.Infof("agent: closed session of %s: %d %s", uc.username, code, reason)
}

func (uc *userConn) markClosed() {
	uc.mu.Lock()
	uc.closed = true
	uc.mu.Unlock()
}

func (uc *userConn) isClosed() bool {
	uc.mu.Lock()
	closed := uc.closed
	uc.mu.Unlock()
	return closed
}

func (uc *userConn) touchHeartbeat(now time.Time) {
	uc.mu.Lock()
	uc.lastHeartbeat = now
	uc.mu.Unlock()
}

func (uc *userConn) heartbeatTime() time.Time {
	uc.mu.Lock()
	t := uc.lastHeartbeat
	uc.mu.Unlock()
	return t
}

// checkRate counts one inbound message against the rate window. The window
// is evaluated once at least a full second elapsed, scaling the configured
// per-second limit by the fractional window length.
func (uc *userConn) checkRate(limit int, now time.Time) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.rateCount++
	elapsed := now.Sub(uc.rateStart).Seconds()
	if elapsed < 1 {
		return true
	}
	ok := float64(uc.rateCount) <= float64(limit)*elapsed
	uc.rateCount = 0
	uc.rateStart = now
	return ok
}

func (uc *userConn) setBannedUntil(t int64) {
	uc.mu.Lock()
	uc.bannedUntil = t
	uc.mu.Unlock()
}

// lockRolePair binds the session to a role and its owning logic service
// before the login RPC goes out, so a concurrent login on the same session
// is refused instead of racing the pending handover
func (uc *userConn) lockRolePair(roid common.RoleID, logicID common.ServiceID) bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.currentRoid != 0 {
		return false
	}
	uc.currentRoid = roid
	uc.currentLogic = logicID
	return true
}

// bindRolePair force-binds the pair, used when a logic service reports which
// role it re-bound on reconnect
func (uc *userConn) bindRolePair(roid common.RoleID, logicID common.ServiceID) {
	uc.mu.Lock()
	uc.currentRoid = roid
	uc.currentLogic = logicID
	uc.mu.Unlock()
}

func (uc *userConn) unlockRolePair() {
	uc.mu.Lock()
	uc.currentRoid = 0
	uc.currentLogic = ""
	uc.mu.Unlock()
}

func (uc *userConn) rolePair() (common.RoleID, common.ServiceID) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.currentRoid, uc.currentLogic
}

func (uc *userConn) setAvatar(roid common.RoleID, rawAvatar string) {
	uc.mu.Lock()
	uc.avatars[roid] = rawAvatar
	uc.mu.Unlock()
}

func (uc *userConn) hasAvatar(roid common.RoleID) bool {
	uc.mu.Lock()
	_, ok := uc.avatars[roid]
	uc.mu.Unlock()
	return ok
}

func (uc *userConn) numAvatars() int {
	uc.mu.Lock()
	n := len(uc.avatars)
	uc.mu.Unlock()
	return n
}

func (uc *userConn) avatarRoids() []common.RoleID {
	uc.mu.Lock()
	roids := make([]common.RoleID, 0, len(uc.avatars))
	for roid := range uc.avatars {
		roids = append(roids, roid)
	}
	uc.mu.Unlock()
	return roids
}

// freshRoid returns a role that was created but never saved an avatar,
// 0 when there is none. Such a role is resumed automatically on login.
func (uc *userConn) freshRoid() common.RoleID {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for roid, avatar := range uc.avatars {
		if avatar == "" {
			return roid
		}
	}
	return 0
}

func (uc *userConn) rawAvatars() []string {
	uc.mu.Lock()
	avatars := make([]string, 0, len(uc.avatars))
	for _, avatar := range uc.avatars {
		avatars = append(avatars, avatar)
	}
	uc.mu.Unlock()
	return avatars
}
