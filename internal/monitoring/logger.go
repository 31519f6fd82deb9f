package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var verbosity atomic.Int32

// SetVerbosity sets the level up to which Debugf messages are printed.
// Level 0 silences them.
func SetVerbosity(level int) {
	verbosity.Store(int32(level))
}

// Verbosity returns the current debug level.
func Verbosity() int {
	return int(verbosity.Load())
}

// Warnf logs a non-fatal consistency problem.
func Warnf(format string, v ...interface{}) {
	Logf("warning: "+format, v...)
}

// Debugf logs when the current verbosity is at least level.
func Debugf(level int, format string, v ...interface{}) {
	if level > Verbosity() {
		return
	}
	Logf(format, v...)
}
