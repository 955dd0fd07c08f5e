package utils

import (
	"runtime/debug"

	log "github.com/sirupsen/logrus"
)

// StackTraceFromPanic recovers a panic and logs it with its stack trace.
// Must be deferred directly.
func StackTraceFromPanic(logger *log.Entry) {
	if r := recover(); r != nil {
		logger.Errorf("stacktrace from panic: %v\n%s", r, string(debug.Stack()))
	}
}
