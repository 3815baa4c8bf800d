package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gomesh/gomesh/cmd/gomesh/process"
)

// MeshStatus holds the running processes of every component, keyed by
// service name.
type MeshStatus struct {
	Procs map[string][]process.Process
}

// NumRunning returns the number of running processes of one service.
func (ms *MeshStatus) NumRunning(name string) int {
	return len(ms.Procs[name])
}

// IsRunning returns true if any component process is alive.
func (ms *MeshStatus) IsRunning() bool {
	for _, procs := range ms.Procs {
		if len(procs) > 0 {
			return true
		}
	}
	return false
}

func detectMeshStatus() *MeshStatus {
	ms := &MeshStatus{Procs: map[string][]process.Process{}}
	procs, err := process.Processes()
	quitOnError(err, "list processes failed")
	for _, proc := range procs {
		path, err := proc.Path()
		if err != nil {
			continue
		}
		relpath, err := filepath.Rel(binDir(), path)
		if err != nil || strings.HasPrefix(relpath, "..") {
			continue
		}
		for _, name := range serviceNames {
			if relpath == name+BinaryExtension {
				ms.Procs[name] = append(ms.Procs[name], proc)
				break
			}
		}
	}
	return ms
}

func status() {
	showMeshStatus(detectMeshStatus())
}

func showMeshStatus(ms *MeshStatus) {
	var parts []string
	for _, name := range serviceNames {
		parts = append(parts, fmt.Sprintf("%s=%d", name, ms.NumRunning(name)))
	}
	notef("running: %s", strings.Join(parts, " "))

	for _, name := range serviceNames {
		for _, proc := range ms.Procs[name] {
			notef("\t%-10d%s", proc.Pid(), proc.Executable())
		}
	}
}
