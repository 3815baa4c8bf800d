package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaonanln/goTimer"

	"github.com/gomesh/gomesh/engine/binutil"
	"github.com/gomesh/gomesh/engine/config"
	"github.com/gomesh/gomesh/engine/consts"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/kvdb"
	"github.com/gomesh/gomesh/engine/proto"
	"github.com/gomesh/gomesh/engine/service"
	"github.com/gomesh/gomesh/engine/sqldb"
	"github.com/gomesh/gomesh/monitor"
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

	monitorCfg := config.GetMonitor()
	logLevel := args.logLevel
	if logLevel == "" {
		logLevel = monitorCfg.LogLevel
	}
	binutil.SetupGMLog("monitor", logLevel, monitorCfg.LogFile, monitorCfg.LogStderr)
	binutil.SetupHTTPServer(monitorCfg.HTTPIp, monitorCfg.HTTPPort)

	timer.StartTicks(consts.TICK_INTERVAL)
	kvdb.Initialize()

	storageCfg := config.GetStorage()
	db, err := sqldb.Open(storageCfg.Driver, storageCfg.Url)
	if err != nil {
		gmlog.Fatalf("open storage failed: %s", err)
	}

	if err := service.Startup(proto.SRVTYPE_MONITOR, monitorCfg.ListenIp, monitorCfg.Port); err != nil {
		gmlog.Fatalf("service startup failed: %s", err)
	}

	roleService := monitor.NewRoleService(db)
	roleService.Startup()

	waitForSignal()
	gmlog.Infof("monitor: shutting down")
	roleService.Shutdown()
	service.Shutdown()
	kvdb.Close()
}

func waitForSignal() {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
}
