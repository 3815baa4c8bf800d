package main

import (
	"os"
	"os/exec"
)

func build() {
	err := os.MkdirAll(binDir(), 0755)
	quitOnError(err, "create bin directory failed")

	for _, name := range serviceNames {
		if !isdir(componentDir(name)) {
			fatalf("component directory not found: %s", componentDir(name))
		}
		notef("go build %s ...", name)
		cmd := exec.Command("go", "build", "-o", binFile(name), "./components/"+name)
		cmd.Dir = env.RootDir
		cmd.Stderr = os.Stderr
		cmd.Stdout = os.Stdout
		err := cmd.Run()
		quitOnError(err, "build "+name+" failed")
	}
}
