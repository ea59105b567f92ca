// Package buildinfo exposes compile-time metadata of the bridge binary.
package buildinfo

import "fmt"

// Overridden via -ldflags "-X" during release builds.
var (
	// Version is the semantic version or git describe output of the binary.
	Version = "dev"

	// Commit is the git commit SHA baked into the binary.
	Commit = "none"

	// BuildDate records when the binary was built in UTC.
	BuildDate = "unknown"
)

// String renders the build metadata for startup logs and -version.
func String() string {
	return fmt.Sprintf("onlycat-bridge %s (commit %s, built %s)", Version, Commit, BuildDate)
}
