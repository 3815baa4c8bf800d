package srvdis

import (
	"os"

	"sync"

	"time"

	"github.com/shirou/gopsutil/process"
	"github.com/gomesh/gomesh/engine/gmlog"
	"github.com/gomesh/gomesh/engine/gmutils"
)

var (
	loadLock    sync.Mutex
	currentLoad float64
	loadStarted bool
)

// cpuLoadFactor is the default load provider: the process CPU percent,
// sampled in the background so publish never blocks on it
func cpuLoadFactor() float64 {
	loadLock.Lock()
	if !loadStarted {
		loadStarted = true
		go collectLoadRoutine()
	}
	load := currentLoad
	loadLock.Unlock()
	return load
}

func collectLoadRoutine() {
	pid := os.Getpid()
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		gmlog.Errorf("srvdis: can not find own process: pid = %v", pid)
		return
	}

	gmutils.RepeatUntilPanicless(func() {
		for {
			time.Sleep(time.Second * 5)
			pcnt, err := p.CPUPercent()
			if err != nil {
				gmlog.Panicf("srvdis: get process cpu percent failed: %s", err)
			}

			loadLock.Lock()
			currentLoad = pcnt
			loadLock.Unlock()
		}
	})
}
