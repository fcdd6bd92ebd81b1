package util

import (
	"runtime/debug"

	"github.com/canwork/jobescrow/internal/logging"
)

// SafeGo runs fn on a new goroutine. A panic is recovered and logged with
// its stack instead of crashing the process.
//
//	util.SafeGo("notify-dispatch", func() {
//	    // goroutine code here
//	})
func SafeGo(name string, fn func()) {
	SafeGoRecover(name, fn, nil)
}

// SafeGoRecover is SafeGo with a hook that runs after a recovered panic,
// so callers waiting on the goroutine's result can be released.
func SafeGoRecover(name string, fn func(), onPanic func(r any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
