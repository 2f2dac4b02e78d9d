package peernet

// hand-rolled, timestamp-prefixed debug printing, in the style
// the rest of this codebase's ancestry uses instead of a
// structured-logging framework. vv is gated by PEERNET_VERBOSE;
// alwaysPrintf and panicOn are always active.

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"4d63.com/tz"
)

var gtz *time.Location

func init() {
	loc, err := tz.LoadLocation("America/Chicago")
	if err != nil {
		loc = time.UTC
	}
	gtz = loc
}

var verbose = os.Getenv("PEERNET_VERBOSE") != ""

func ts() string {
	return time.Now().In(gtz).Format("2006-01-02 15:04:05.000000 -0700 MST")
}

// fileLine returns "file.go:123" for the caller `skip` frames up the stack.
func fileLine(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func tsPrintf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, "\n%s %s %s\n", ts(), fileLine(3), fmt.Sprintf(format, a...))
}

// vv prints only when PEERNET_VERBOSE is set in the environment.
func vv(format string, a ...interface{}) {
	if !verbose {
		return
	}
	tsPrintf(format, a...)
}

// alwaysPrintf prints unconditionally; use sparingly, for
// conditions an operator should always see.
func alwaysPrintf(format string, a ...interface{}) {
	tsPrintf(format, a...)
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}

// stack returns the stack trace of the calling goroutine.
func stack() string {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// allstacks returns the stack traces of every goroutine.
func allstacks() string {
	buf := make([]byte, 1<<20)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}
