//go:build warn
// +build warn

package build

// LogLevel specifies the warn log level.
var LogLevel = "warn"
