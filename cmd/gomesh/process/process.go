package process

import (
	"syscall"

	psutil_process "github.com/shirou/gopsutil/process"
)

// Process is the subset of process info the gomesh tool needs.
type Process interface {
	Pid() int32
	Executable() string
	Path() (string, error)
	Signal(sig syscall.Signal)
}

type process struct {
	*psutil_process.Process
}

func (p *process) Pid() int32 {
	return p.Process.Pid
}

func (p *process) Executable() string {
	name, _ := p.Process.Name()
	return name
}

func (p *process) Path() (string, error) {
	return p.Process.Exe()
}

// Processes lists all visible processes on the host.
func Processes() ([]Process, error) {
	ps, err := psutil_process.Processes()
	if err != nil {
		return nil, err
	}

	procs := make([]Process, 0, len(ps))
	for _, p := range ps {
		procs = append(procs, &process{p})
	}
	return procs, nil
}
