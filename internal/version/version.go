package version

import "fmt"

// Build-time variables set by ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String returns a single-line version summary for CLI output.
func String() string {
	return fmt.Sprintf("vslam %s (commit: %s, built: %s)", Version, GitCommit, BuildDate)
}
