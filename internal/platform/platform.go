// Package platform includes runtime-specific code needed for the compiler: the executable memory compiled code
// runs from.
package platform

import (
	"runtime"
)

// CompilerSupported returns true if the current GOOS and GOARCH can map and run compiled code.
func CompilerSupported() bool {
	return compilerSupported(runtime.GOOS, runtime.GOARCH)
}

func compilerSupported(goos, goarch string) bool {
	if goarch != "amd64" {
		return false
	}
	switch goos {
	case "linux", "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		return true
	default:
		return false
	}
}
