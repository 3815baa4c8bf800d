package gmutils

import (
	"fmt"

	"github.com/gomesh/gomesh/engine/gmlog"
)

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gmlog.TraceError("%s panic: %s", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// RepeatUntilPanicless runs the function repeatly until there is no panic
func RepeatUntilPanicless(f func()) {
	for !RunPanicless(f) {
	}
}

// CatchPanic calls a function and returns the recovered panic as an error
func CatchPanic(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gmlog.TraceError("%s panic: %s", f, r)
			err = fmt.Errorf("panic: %s", r)
		}
	}()

	err = f()
	return
}
