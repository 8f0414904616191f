//go:build off
// +build off

package build

// LogLevel specifies the off log level.
var LogLevel = "off"
