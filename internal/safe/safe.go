// Package safe runs background goroutines that must not take the process
// down with them.
package safe

import (
	"fmt"
	"os"
	"runtime/debug"
)

// Go runs fn in a goroutine and recovers from panics.
// A recovered panic is reported to stderr with its stack trace so it stays
// visible even when no logger is configured.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Fprintf(os.Stderr, "PANIC RECOVERED in background task: %v\n%s\n", r, debug.Stack())
			}
		}()
		fn()
	}()
}
