package config

// Build information. Set by the release pipeline through -ldflags.
var (
	// BuildVersion is the release version
	BuildVersion = ""

	// BuildCommit is the git hash of the build
	BuildCommit = ""

	// BuildDate is the date the build was created
	BuildDate = ""

	// GoVersion is the version of go used to build the binary
	GoVersion = ""
)
