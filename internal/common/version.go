package common

// Version is stamped at build time via -ldflags.
var Version = "dev"

// GetVersion returns the build version string.
func GetVersion() string {
	return Version
}
