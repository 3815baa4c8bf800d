package main

import (
	"time"

	"github.com/gomesh/gomesh/cmd/gomesh/process"
)

func stop() {
	ms := detectMeshStatus()
	showMeshStatus(ms)
	if !ms.IsRunning() {
		fatalf("no service is running currently")
	}

	// agents go first so clients see a clean close before the backends
	// disappear
	for i := len(serviceNames) - 1; i >= 0; i-- {
		name := serviceNames[i]
		for _, proc := range ms.Procs[name] {
			stopProc(proc)
		}
	}
}

func stopProc(proc process.Process) {
	notef("stop process %s pid=%d", proc.Executable(), proc.Pid())
	proc.Signal(StopSignal)
	for {
		time.Sleep(time.Millisecond * 100)
		if !checkProcessRunning(proc.Pid()) {
			break
		}
	}
}

func checkProcessRunning(pid int32) bool {
	procs, err := process.Processes()
	quitOnError(err, "list processes failed")
	for _, proc := range procs {
		if proc.Pid() == pid {
			return true
		}
	}
	return false
}
