//go:build !windows
// +build !windows

package binutil

import (
	"os"

	daemon "github.com/sevlyar/go-daemon"
	"github.com/gomesh/gomesh/engine/gmlog"
)

func Daemonize() *daemon.Context {
	context := new(daemon.Context)
	child, err := context.Reborn()

	if err != nil {
		// daemonize failed
		gmlog.Panicf("daemonize failed: %v", err)
	}

	if child != nil {
		gmlog.Infof("run in daemon mode")
		os.Exit(0)
		return nil
	} else {
		return context
	}
}
