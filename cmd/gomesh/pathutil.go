package main

import (
	"os"
	"path/filepath"
)

// serviceNames lists every component in start order. stop walks it in
// reverse so services drain before their dependencies go away.
var serviceNames = []string{"monitor", "chat", "logic", "agent"}

type _Env struct {
	RootDir string
}

var env _Env

// detectRootDir walks up from the working directory until it finds the
// module root (the directory holding go.mod).
func detectRootDir() {
	dir, err := os.Getwd()
	quitOnError(err, "get working directory failed")
	for {
		if isfile(filepath.Join(dir, "go.mod")) {
			env.RootDir = dir
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if env.RootDir == "" {
		fatalf("module root not detected, run from inside the source tree")
	}
	notef("module root: %s", env.RootDir)
}

func componentDir(name string) string {
	return filepath.Join(env.RootDir, "components", name)
}

func binDir() string {
	return filepath.Join(env.RootDir, "bin")
}

func binFile(name string) string {
	return filepath.Join(binDir(), name+BinaryExtension)
}

func isfile(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}

func isdir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}
