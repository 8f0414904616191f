//go:build error
// +build error

package build

// LogLevel specifies the error log level.
var LogLevel = "error"
