// Package version reports the version of bytejit built into the running binary.
package version

import (
	"runtime/debug"
)

// Default is the version reported when it cannot be found in the build info, e.g. in tests or `go run`.
const Default = "dev"

const modulePath = "github.com/bytejit/bytejit"

// GetVersion returns the version of the bytejit module, whether it is the main module or a dependency of it.
func GetVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Default
	}
	return versionOf(info)
}

func versionOf(info *debug.BuildInfo) string {
	if info.Main.Path == modulePath {
		return usable(info.Main.Version)
	}
	for _, dep := range info.Deps {
		if dep.Path != modulePath {
			continue
		}
		if dep.Replace != nil {
			return usable(dep.Replace.Version)
		}
		return usable(dep.Version)
	}
	return Default
}

func usable(v string) string {
	if v == "" || v == "(devel)" {
		return Default
	}
	return v
}
