// Package version carries build metadata stamped in via ldflags.
package version

// Version is set at build time via ldflags.
var Version = "dev"

// BuildTime is set at build time via ldflags.
var BuildTime = "unknown"

// GitCommit is set at build time via ldflags.
var GitCommit = "unknown"

// Short returns the bare version string.
func Short() string {
	return Version
}

// Full returns the version with build time and commit when known.
func Full() string {
	switch {
	case BuildTime != "unknown" && GitCommit != "unknown":
		return Version + " (built " + BuildTime + ", commit " + GitCommit + ")"
	case GitCommit != "unknown":
		return Version + " (commit " + GitCommit + ")"
	}
	return Version
}
