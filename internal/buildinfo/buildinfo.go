// Package buildinfo holds version information injected at build time via
// -ldflags, e.g.
//
//	-X github.com/terrpan/adroit/internal/buildinfo.Version=v0.3.0
package buildinfo

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildTime is the build timestamp in RFC 3339.
	BuildTime = "unknown"
)

// String formats the build info for --version.
func String() string {
	return fmt.Sprintf("adroit %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
