// Package version carries the build identification stamped into the
// relay binary via -ldflags.
package version

import "fmt"

var (
	// Version is the release tag, "dev" for local builds.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = "unknown"
	// BuildDate is the build timestamp, RFC 3339 UTC.
	BuildDate = "unknown"
)

// String renders the build identification on three lines.
func String() string {
	return fmt.Sprintf("version: %s\ncommit: %s\nbuilt: %s", Version, Commit, BuildDate)
}
