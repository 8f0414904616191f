//go:build info
// +build info

package build

// LogLevel specifies the info log level.
var LogLevel = "info"
