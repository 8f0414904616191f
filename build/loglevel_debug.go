//go:build debug
// +build debug

package build

// LogLevel specifies the debug log level.
var LogLevel = "debug"
