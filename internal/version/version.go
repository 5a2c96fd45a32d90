// Package version reports the build identity. The variables are set at
// build time via -ldflags "-X".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String returns "fts <version> (commit: <sha>, built: <time>)".
func String() string {
	return fmt.Sprintf("fts %s (commit: %s, built: %s)", Version, shortSHA(), BuildTime)
}

func shortSHA() string {
	if len(GitSHA) > 7 {
		return GitSHA[:7]
	}
	return GitSHA
}
