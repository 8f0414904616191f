//go:build critical
// +build critical

package build

// LogLevel specifies the critical log level.
var LogLevel = "critical"
