// Package version carries the build identity stamped in by ldflags.
package version

var (
	// Version is the provider release. The fallback marks a build made
	// without the release tooling.
	Version = "v0.0.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
