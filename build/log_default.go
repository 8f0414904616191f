//go:build !stdlog && !nolog
// +build !stdlog,!nolog

package build

// LoggingType is a log type that writes through the daemon's log backend.
const LoggingType = LogTypeDefault
