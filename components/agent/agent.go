package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaonanln/goTimer"

	"github.com/gomesh/gomesh/agent"
	"github.com/gomesh/gomesh/engine/async"
	"github.com/gomesh/gomesh/engine/binutil"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/kvdb"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/sqldb"
	"github.com/gomesh/gomesh/engine/srvdis"
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

	agentCfg := config.GetAgent()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = agentCfg.LogLevel
	}
	binutil.SetupGMLog("agent", logLevel, agentCfg.LogFile, agentCfg.LogStderr)
	binutil.SetupHTTPServer(agentCfg.HTTPIp, agentCfg.HTTPPort)

	timer.StartTicks(consts.TICK_INTERVAL)
	kvdb.Initialize()

	storageCfg := config.GetStorage()
	db, err := sqldb.Open(storageCfg.Driver, storageCfg.Url)
	if err != nil {
		gmlog.Fatalf("open storage failed: %s", err)
	}

	if err := service.Startup(proto.SRVTYPE_AGENT, agentCfg.ListenIp, agentCfg.Port); err != nil {
		gmlog.Fatalf("service startup failed: %s", err)
	}

	userService := agent.NewUserService(db)
	if err := userService.Startup(); err != nil {
		gmlog.Fatalf("user service startup failed: %s", err)
	}

	// the claimed service index picks the public client port, so same-type
	// agents on one host never collide
	clientAddr := fmt.Sprintf("%s:%d", agentCfg.ClientListenIp, agentCfg.ClientPortBase+srvdis.LocalRecord().Index)
	mux := http.NewServeMux()
	mux.Handle("/", userService.ClientHandler())
	go func() {
		gmlog.Infof("agent: serving clients on %s", clientAddr)
		if err := http.ListenAndServe(clientAddr, mux); err != nil {
			gmlog.Fatalf("agent: client endpoint failed: %s", err)
		}
	}()

	waitForSignal()
	gmlog.Infof("agent: shutting down")
	userService.Shutdown()
	service.Shutdown()
	async.Shutdown()
	kvdb.Close()
}

func waitForSignal() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
}
