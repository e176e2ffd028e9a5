package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a panic with its stack and swallows it. It must be the
// deferred call itself:
//
//	defer observability.RecoverPanic(logger, "replica health check")
func RecoverPanic(logger *Logger, where string) {
	LogPanic(logger, where, recover())
}

// LogPanic logs a value returned by recover. It reports whether there was a
// panic, so callers that must answer for the failed work can branch on it.
func LogPanic(logger *Logger, where string, recovered any) bool {
	if recovered == nil {
		return false
	}
	OrNop(logger).WithFields(map[string]interface{}{
		"panic": fmt.Sprint(recovered),
		"where": where,
		"stack": string(debug.Stack()),
	}).Error("recovered panic")
	return true
}
