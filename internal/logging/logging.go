// Package logging wires the process's diagnostic output through
// logrus, structured with the fields a multi-threaded fuzzing run
// actually wants to filter on (thread, case, pc) in place of bare,
// ANSI-colored fmt.Printf globals.
package logging

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger. Callers needing a bare *logrus.Logger
// (e.g. to hand to a library's own WithLogger option) use this directly;
// everything in this package is a thin convenience wrapper around it.
var Log = logrus.New()

func init() {
	Log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Log.SetLevel(logrus.InfoLevel)
}

// SetVerbose raises the logger to Debug level, or drops it back to Info.
func SetVerbose(verbose bool) {
	if verbose {
		Log.SetLevel(logrus.DebugLevel)
		return
	}
	Log.SetLevel(logrus.InfoLevel)
}

// WorkerFields identifies log lines emitted from inside one worker
// thread's run loop.
func WorkerFields(worker int) logrus.Fields {
	return logrus.Fields{"thread": worker}
}

// CaseFields extends WorkerFields with the fuzz case sequence number and
// the guest PC the case is reporting about (a crash site, a hook address).
func CaseFields(worker, caseNum int, pc uint64) logrus.Fields {
	return logrus.Fields{"thread": worker, "case": caseNum, "pc": fmt.Sprintf("%#x", pc)}
}

// Debugf logs at Debug level, tagging the entry with the calling
// function's name, the same role a currentFunc-style helper plays in
// tagging debug output.
func Debugf(format string, args ...interface{}) {
	Log.WithField("fn", currentFunc()).Debugf(format, args...)
}

// currentFunc returns the name of Debugf's caller.
func currentFunc() string {
	pc := make([]uintptr, 15)
	n := runtime.Callers(3, pc)
	frames := runtime.CallersFrames(pc[:n])
	frame, _ := frames.Next()
	return frame.Function
}
