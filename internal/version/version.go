// Package appversion holds build metadata injected via ldflags:
//
//	-ldflags="-X github.com/dantte-lp/voyager/internal/version.Version=v0.3.0
//	          -X github.com/dantte-lp/voyager/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/voyager/internal/version.BuildDate=2026-10-01T12:00:00Z"
package appversion

import (
	"fmt"
	"runtime"
)

// Version is the semantic version (e.g., "v0.3.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// Info is the build metadata of one binary.
type Info struct {
	Binary    string `json:"binary"`
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// Get returns the build metadata for binary.
func Get(binary string) Info {
	return Info{
		Binary:    binary,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	i := Get(binary)
	return fmt.Sprintf("%s %s\n  commit:  %s\n  built:   %s\n  go:      %s",
		i.Binary, i.Version, i.GitCommit, i.BuildDate, i.GoVersion)
}
