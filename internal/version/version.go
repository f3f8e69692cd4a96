package version

import "fmt"

var (
	// Version is the current gazerec version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for -version output and the admin status page.
func String() string {
	return fmt.Sprintf("gazerec %s (%s, built %s)", Version, GitSHA, BuildTime)
}
