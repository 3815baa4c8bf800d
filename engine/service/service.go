package service

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
	"github.com/gomesh/gomesh/engine/opmon"
	"github.com/gomesh/gomesh/engine/srvdis"
	"golang.org/x/net/websocket"
)

// Error is a cross-service failure status, carried on the wire verbatim
type Error string

func (e Error) Error() string { return string(e) }

// Errors of the RPC layer itself
const (
	ErrConnectionLost  = Error("connection lost")
	ErrServiceNotKnown = Error("service not known")
	ErrUnknownOpcode   = Error("unknown opcode")
)

// Context carries per-request information into handlers
type Context struct {
	Caller common.ServiceID
}

// Handler serves one opcode. It runs on its own goroutine and may block.
type Handler func(ctx *Context, data map[string]interface{}) (map[string]interface{}, error)

var (
	localID       common.ServiceID
	localType     string
	localHostname string
	appName       string
	appPassword   string

	listener net.Listener

	handlersLock sync.RWMutex
	handlers     = map[string]Handler{}
)

// LocalID returns the identity of this service process
func LocalID() common.ServiceID {
	return localID
}

// LocalType returns the service type of this process
func LocalType() string {
	return localType
}

// AddHandler registers the handler of an opcode, panics when the opcode is taken
func AddHandler(opcode string, h Handler) {
	handlersLock.Lock()
	defer handlersLock.Unlock()
	if _, ok := handlers[opcode]; ok {
		gmlog.Panicf("service: handler for %s registered twice", opcode)
	}
	handlers[opcode] = h
}

// SetHandler registers the handler of an opcode, replacing any existing one
func SetHandler(opcode string, h Handler) {
	handlersLock.Lock()
	handlers[opcode] = h
	handlersLock.Unlock()
}

// RemoveHandler unregisters the handler of an opcode
func RemoveHandler(opcode string) {
	handlersLock.Lock()
	delete(handlers, opcode)
	handlersLock.Unlock()
}

func getHandler(opcode string) Handler {
	handlersLock.RLock()
	h := handlers[opcode]
	handlersLock.RUnlock()
	return h
}

// dispatch runs the handler of opcode for a request from caller
func dispatch(caller common.ServiceID, opcode string, data map[string]interface{}) (res map[string]interface{}, err error) {
	h := getHandler(opcode)
	if h == nil {
		gmlog.Warnf("service: no handler for opcode %s from %s", opcode, caller)
		return nil, ErrUnknownOpcode
	}

	op := opmon.StartOperation("rpc." + opcode)
	defer op.Finish(time.Second)

	err = gmutils.CatchPanic(func() error {
		var herr error
		res, herr = h(&Context{Caller: caller}, data)
		return herr
	})
	return
}

// Startup binds the RPC endpoint, registers in the service directory and
// starts serving peer requests. It returns once the service index is claimed.
func Startup(srvType string, listenIp string, port int) error {
	appCfg := config.GetApp()
	appName = appCfg.Name
	appPassword = appCfg.Password
	localType = srvType
	localID = common.GenServiceID()

	hostname, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "service: cannot get hostname")
	}
	localHostname = hostname

	listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", listenIp, port))
	if err != nil {
		return errors.Wrap(err, "service: listen failed")
	}
	boundPort := listener.Addr().(*net.TCPAddr).Port
	gmlog.Infof("service: %s %s listening on %s", srvType, localID, listener.Addr())

	srv := websocket.Server{
		Handshake: authHandshake,
		Handler:   serveInboundConn,
	}
	mux := http.NewServeMux()
	mux.Handle("/", srv)
	go gmutils.RepeatUntilPanicless(func() {
		err := http.Serve(listener, mux)
		gmlog.Errorf("service: rpc endpoint closed: %s", err)
	})

	rec := &srvdis.ServiceRecord{
		ServiceID: localID,
		App:       appName,
		Zone:      appCfg.Zone,
		Type:      srvType,
		Hostname:  hostname,
		Addrs: []string{
			fmt.Sprintf("%s:%d", advertiseIP(listenIp), boundPort),
			fmt.Sprintf("127.0.0.1:%d", boundPort),
		},
	}
	return srvdis.Startup(srvdis.KVDBStore(), rec, meshDelegate{})
}

// Shutdown withdraws from the directory and drops all peer connections
func Shutdown() {
	srvdis.Shutdown()
	if listener != nil {
		listener.Close()
	}
	dropAllPeerConns()
}

// advertiseIP picks the address peers should dial: the configured listen ip
// when it is concrete, otherwise the first non-loopback interface address
func advertiseIP(listenIp string) string {
	if listenIp != "" && listenIp != "0.0.0.0" && listenIp != "::" {
		return listenIp
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

type meshDelegate struct{}

func (meshDelegate) OnServiceDiscovered(rec *srvdis.ServiceRecord) {
	// connections are dialed lazily on first request
}

func (meshDelegate) OnServiceOutdated(srvid common.ServiceID) {
	dropPeerConn(srvid)
}
