// Package version reports the reviewgate build version.
package version

import (
	"runtime/debug"
	"sync"
)

// version is set at build time via -ldflags "-X reviewgate/internal/version.version=...".
var version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var

var resolved = sync.OnceValue(func() string { //nolint:gochecknoglobals // memoized build info
	return resolve(version, debug.ReadBuildInfo)
})

// String returns the current version. Without ldflags it falls back to
// the module version recorded by `go install`, then to "dev".
func String() string {
	return resolved()
}

func resolve(linked string, read func() (*debug.BuildInfo, bool)) string {
	if linked != "" && linked != "dev" {
		return linked
	}
	if info, ok := read(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
