package main

import (
	"os/exec"
)

func start() {
	ms := detectMeshStatus()
	if ms.IsRunning() {
		showMeshStatus(ms)
		fatalf("services are already running")
	}

	for _, name := range serviceNames {
		bin := binFile(name)
		if !isfile(bin) {
			fatalf("%s is not built, run 'gomesh build' first", bin)
		}
		notef("start %s ...", name)
		cmd := exec.Command(bin, "-configfile", args.configFile, "-d")
		cmd.Dir = env.RootDir
		err := cmd.Run()
		quitOnError(err, "start "+name+" failed")
	}
}
