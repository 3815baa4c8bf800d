package service

import (
	"fmt"

	"net/http"

	"sync"

	"time"

	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/srvdis"
	"golang.org/x/net/websocket"
)

// peerConn is one persistent websocket to a peer service. Outbound conns
// carry our requests and their responses, inbound conns carry the peer's.
type peerConn struct {
	srvid common.ServiceID
	ws    *websocket.Conn

	sendLock sync.Mutex

	pendingLock sync.Mutex
	closed      bool
	pending     map[string]pendingSlot // uuid -> future slot
}

type pendingSlot struct {
	future *Future
	slot   int
}

var (
	outConnsLock sync.Mutex
	outConns     = map[common.ServiceID]*peerConn{}
)

func newPeerConn(srvid common.ServiceID, ws *websocket.Conn) *peerConn {
	return &peerConn{
		srvid:   srvid,
		ws:      ws,
		pending: map[string]pendingSlot{},
	}
}

// authHandshake validates srv/t/pw query params before accepting a peer
func authHandshake(cfg *websocket.Config, req *http.Request) error {
	q := req.URL.Query()
	if _, ok := checkAuth(q.Get("srv"), q.Get("t"), q.Get("pw"), localID, appPassword); !ok {
		gmlog.Warnf("service: rejecting peer handshake from %s", req.RemoteAddr)
		return errors.New("authentication failed")
	}
	return nil
}

// serveInboundConn runs the read loop of a peer-initiated connection
func serveInboundConn(ws *websocket.Conn) {
	q := ws.Request().URL.Query()
	caller, ok := checkAuth(q.Get("srv"), q.Get("t"), q.Get("pw"), localID, appPassword)
	if !ok {
		ws.Close()
		return
	}

	pc := newPeerConn(caller, ws)
	gmlog.Infof("service: peer %s connected from %s", caller, ws.Request().RemoteAddr)
	pc.readLoop()
}

// getPeerConn returns the outbound connection to a peer, dialing it lazily
func getPeerConn(srvid common.ServiceID) (*peerConn, error) {
	outConnsLock.Lock()
	defer outConnsLock.Unlock()

	if pc, ok := outConns[srvid]; ok {
		return pc, nil
	}

	rec, ok := srvdis.GetRecord(srvid)
	if !ok {
		return nil, ErrServiceNotKnown
	}

	addr := rec.DialAddr(localHostname)
	t := time.Now().Unix()
	url := fmt.Sprintf("ws://%s/?srv=%s&t=%d&pw=%s", addr, localID, t, authDigest(srvid, t, appPassword))
	ws, err := websocket.Dial(url, "", fmt.Sprintf("http://%s/", addr))
	if err != nil {
		return nil, errors.Wrapf(err, "service: dial %s @ %s failed", srvid, addr)
	}

	pc := newPeerConn(srvid, ws)
	outConns[srvid] = pc
	go gmutils.RunPanicless(pc.readLoop)
	gmlog.Infof("service: connected to peer %s @ %s", rec, addr)
	return pc, nil
}

func (pc *peerConn) readLoop() {
	for {
		var frame wireFrame
		if err := websocket.JSON.Receive(pc.ws, &frame); err != nil {
			gmlog.Debugf("service: peer %s read loop ends: %s", pc.srvid, err)
			break
		}

		if frame.isRequest() {
			go pc.serveRequest(frame)
		} else {
			pc.resolvePending(frame)
		}
	}
	pc.teardown()
}

func (pc *peerConn) serveRequest(frame wireFrame) {
	res, err := dispatch(pc.srvid, frame.Opcode, frame.Data)
	resp := wireFrame{UUID: frame.UUID, Data: res}
	if err != nil {
		resp.Error = err.Error()
	}
	if serr := pc.send(&resp); serr != nil {
		gmlog.Warnf("service: sending response to %s failed: %s", pc.srvid, serr)
	}
}

func (pc *peerConn) resolvePending(frame wireFrame) {
	pc.pendingLock.Lock()
	ps, ok := pc.pending[frame.UUID]
	if ok {
		delete(pc.pending, frame.UUID)
	}
	pc.pendingLock.Unlock()

	if !ok {
		gmlog.Warnf("service: peer %s answered unknown request %s", pc.srvid, frame.UUID)
		return
	}

	resp := Response{Peer: pc.srvid, Data: frame.Data}
	if frame.Error != "" {
		resp.Err = Error(frame.Error)
	}
	ps.future.complete(ps.slot, resp)
}

// sendRequest registers the pending slot, then writes the request frame
func (pc *peerConn) sendRequest(uuid string, opcode string, data map[string]interface{}, f *Future, slot int) error {
	pc.pendingLock.Lock()
	if pc.closed {
		pc.pendingLock.Unlock()
		return ErrConnectionLost
	}
	pc.pending[uuid] = pendingSlot{f, slot}
	pc.pendingLock.Unlock()

	err := pc.send(&wireFrame{Opcode: opcode, UUID: uuid, Data: data})
	if err != nil {
		pc.pendingLock.Lock()
		delete(pc.pending, uuid)
		pc.pendingLock.Unlock()
	}
	return err
}

func (pc *peerConn) send(frame *wireFrame) error {
	pc.sendLock.Lock()
	defer pc.sendLock.Unlock()
	return websocket.JSON.Send(pc.ws, frame)
}

// teardown closes the connection and fails every request still in flight
func (pc *peerConn) teardown() {
	pc.pendingLock.Lock()
	if pc.closed {
		pc.pendingLock.Unlock()
		return
	}
	pc.closed = true
	pending := pc.pending
	pc.pending = map[string]pendingSlot{}
	pc.pendingLock.Unlock()

	pc.ws.Close()

	outConnsLock.Lock()
	if outConns[pc.srvid] == pc {
		delete(outConns, pc.srvid)
	}
	outConnsLock.Unlock()

	for _, ps := range pending {
		ps.future.complete(ps.slot, Response{Peer: pc.srvid, Err: ErrConnectionLost})
	}
}

func dropPeerConn(srvid common.ServiceID) {
	outConnsLock.Lock()
	pc := outConns[srvid]
	outConnsLock.Unlock()
	if pc != nil {
		pc.teardown()
	}
}

func dropAllPeerConns() {
	outConnsLock.Lock()
	pcs := make([]*peerConn, 0, len(outConns))
	for _, pc := range outConns {
		pcs = append(pcs, pc)
	}
	outConnsLock.Unlock()
	for _, pc := range pcs {
		pc.teardown()
	}
}
