// Package version carries build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/pose.report/internal/version.Version=v0.3.0" ./cmd/posectl
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build metadata on one line.
func String() string {
	return fmt.Sprintf("posectl %s (%s, built %s)", Version, GitSHA, BuildTime)
}
