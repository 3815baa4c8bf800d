package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/xiaonanln/goTimer"
	"github.com/xiaonanln/typeconv"

	"github.com/gomesh/gomesh/engine/binutil"
	"github.com/gomesh/gomesh/engine/common"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/kvdb"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/srvdis"
	"github.com/gomesh/gomesh/logic"
)

var args struct {
	configFile      string
	logLevel        string
	runInDaemonMode bool
}

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "", "set config file path")
	flag.StringVar(&args.logLevel, "log", "", "set log level, overriding the config")
	flag.BoolVar(&args.runInDaemonMode, "d", false, "run in daemon mode")
	flag.Parse()
}

// meshRole is the stock role implementation. It keeps a chat cursor so
// the role only ever sees messages newer than its last check.
type meshRole struct {
	logic.BaseRole
	lastChatCheck int64 // unix milliseconds, atomic
}

func newMeshRole() logic.Role {
	return &meshRole{}
}

func (r *meshRole) MakeAvatar() map[string]interface{} {
	return map[string]interface{}{
		"roid":     int64(r.Roid()),
		"nickname": r.Nickname(),
	}
}

func (r *meshRole) MakeProfile() map[string]interface{} {
	return map[string]interface{}{
		"roid":     int64(r.Roid()),
		"nickname": r.Nickname(),
	}
}

func (r *meshRole) MakeDBRecord() map[string]interface{} {
	return map[string]interface{}{
		"last_chat_check": atomic.LoadInt64(&r.lastChatCheck),
	}
}

func (r *meshRole) ParseDBRecord(rec map[string]interface{}) error {
	if v, ok := rec["last_chat_check"]; ok {
		atomic.StoreInt64(&r.lastChatCheck, typeconv.Int(v))
	}
	return nil
}

// zoneThreadKey names the zone-wide chat thread shared by every role in
// the zone.
func zoneThreadKey() string {
	return fmt.Sprintf("zone:%s", config.GetApp().Zone)
}

func registerClientHandlers(rs *logic.RoleService) {
	rs.AddClientHandler("+chat/say", func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error) {
		text, _ := req["text"].(string)
		if text == "" {
			return nil, fmt.Errorf("text is empty")
		}
		role, ok := rs.FindOnlineRole(roid).(*meshRole)
		if !ok {
			return nil, fmt.Errorf("role %d is not online", roid)
		}
		payload := fmt.Sprintf("%s: %s", role.Nickname(), text)
		resp := service.Call(srvdis.Randomcast(proto.SRVTYPE_CHAT), proto.OP_CHAT_SAVE_MESSAGE, map[string]interface{}{
			"thread_key":  zoneThreadKey(),
			"raw_payload": payload,
		})
		if resp.Err != nil {
			return nil, resp.Err
		}
		return map[string]interface{}{"chat_status": resp.Data["status"]}, nil
	})

	rs.AddClientHandler("+chat/check", func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error) {
		role, ok := rs.FindOnlineRole(roid).(*meshRole)
		if !ok {
			return nil, fmt.Errorf("role %d is not online", roid)
		}
		resp := service.Call(srvdis.Randomcast(proto.SRVTYPE_CHAT), proto.OP_CHAT_CHECK_THREADS, map[string]interface{}{
			"thread_key_list": []interface{}{zoneThreadKey()},
			"last_check_time": atomic.LoadInt64(&role.lastChatCheck),
		})
		if resp.Err != nil {
			return nil, resp.Err
		}
		atomic.StoreInt64(&role.lastChatCheck, typeconv.Int(resp.Data["check_time"]))
		return map[string]interface{}{
			"raw_payload_list": resp.Data["raw_payload_list"],
		}, nil
	})

	rs.AddClientHandler("+profile", func(roid common.RoleID, req map[string]interface{}) (map[string]interface{}, error) {
		target := common.RoleID(typeconv.Int(req["roid"]))
		role := rs.FindOnlineRole(target)
		if role == nil {
			return map[string]interface{}{"profile_status": proto.GS_ROLE_NOT_LOGGED_IN}, nil
		}
		return map[string]interface{}{
			"profile":        role.MakeProfile(),
			"profile_status": proto.GS_OK,
		}, nil
	})
}

func main() {
	rand.Seed(time.Now().UnixNano())
	parseArgs()

	if args.runInDaemonMode {
		daemonCtx := binutil.Daemonize()
		defer daemonCtx.Release()
	}
	if args.configFile != "" {
		config.SetConfigFile(args.configFile)
	}

	logicCfg := config.GetLogic()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = logicCfg.LogLevel
	}
	binutil.SetupGMLog("logic", logLevel, logicCfg.LogFile, logicCfg.LogStderr)
	binutil.SetupHTTPServer(logicCfg.HTTPIp, logicCfg.HTTPPort)

	timer.StartTicks(consts.TICK_INTERVAL)
	kvdb.Initialize()

	if err := service.Startup(proto.SRVTYPE_LOGIC, logicCfg.ListenIp, logicCfg.Port); err != nil {
		gmlog.Fatalf("service startup failed: %s", err)
	}

	clock := logic.NewVirtualClock(logicCfg.ClockOffset)
	clock.Startup()

	roleService := logic.NewRoleService(newMeshRole)
	roleService.Startup()
	registerClientHandlers(roleService)

	waitForSignal()
	gmlog.Infof("logic: shutting down")
	roleService.Shutdown()
	service.Shutdown()
	kvdb.Close()
}

func waitForSignal() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
}
