//go:build windows
// +build windows

package binutil

import "github.com/gomesh/gomesh/engine/gmlog"

type nopRelease int

func (_ nopRelease) Release() {

}

func Daemonize() nopRelease {
	// Windows can not daemonize
	gmlog.Warnf("can not run in daemon mode in windows, -d ignored")
	return nopRelease(0)
}
