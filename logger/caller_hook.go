package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// frameDepth bounds how far up the stack the hook searches for the real call
// site; the wrappers in this package add at most a handful of frames.
const frameDepth = 16

// callerHook rewrites the caller logrus reports so log lines point at the
// code that called the wrapper, not at the wrapper itself.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, frameDepth)
	// 6 skips runtime.Callers, Fire itself and the logrus dispatch frames.
	frames := runtime.CallersFrames(pcs[:runtime.Callers(6, pcs)])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isLoggingFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isLoggingFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "orderflow/logger")
}
