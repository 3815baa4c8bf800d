package main

import (
	"flag"
	"fmt"
	"os"
)

var args struct {
	configFile string
}

// notef prints a progress line of the tool.
func notef(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "gomesh: "+format+"\n", a...)
}

// fatalf prints an error line and exits nonzero.
func fatalf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "gomesh: error: "+format+"\n", a...)
	os.Exit(1)
}

func quitOnError(err error, msg string) {
	if err != nil {
		fatalf("%s: %v", msg, err)
	}
}

func parseArgs() {
	flag.StringVar(&args.configFile, "configfile", "gomesh.ini", "set config file path")
	flag.Parse()
}

func main() {
	parseArgs()
	cmdArgs := flag.Args()

	detectRootDir()

	if len(cmdArgs) == 0 {
		notef("no command to execute")
		flag.Usage()
		os.Exit(1)
	}

	switch cmdArgs[0] {
	case "build":
		build()
	case "start":
		start()
	case "stop":
		stop()
	case "status":
		status()
	default:
		fatalf("unknown command: %s", cmdArgs[0])
	}
}
