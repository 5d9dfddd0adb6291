// Package buildinfo exposes the version metadata the release build
// stamps in with -ldflags. An unstamped binary identifies itself as a
// dev build.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Stamped by the linker in release builds via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info collects build and runtime facts for the health endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since process start, rounded to whole seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies the gateway on outbound HTTP calls (webhook
// deliveries, shipping and AI providers).
func UserAgent() string {
	return fmt.Sprintf("wagate/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("wagate %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
