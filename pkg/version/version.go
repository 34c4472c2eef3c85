// Package version holds build metadata stamped in with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

// Set at build time, e.g.
// -ldflags "-X github.com/goclaw/sagaflow/pkg/version.Version=v1.2.0".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// Info returns a map with all version information.
func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
		"goVersion": GoVersion,
	}
}

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("sagaflow %s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
