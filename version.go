package cowdb

import "fmt"

// Version constants
const (
	// Major is the major version number
	Major = 0

	// Minor is the minor version number
	Minor = 1

	// Patch is the patch version number
	Patch = 0
)

// VersionInfo contains version information.
type VersionInfo struct {
	Major         uint8
	Minor         uint8
	Patch         uint8
	FormatVersion uint32 // on-disk format written to the meta pages
	Describe      string
}

// Version returns the version string of cowdb.
func Version() string {
	return fmt.Sprintf("cowdb %d.%d.%d (format %d)", Major, Minor, Patch, metaVersion)
}

// GetVersionInfo returns version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Major:         Major,
		Minor:         Minor,
		Patch:         Patch,
		FormatVersion: metaVersion,
		Describe:      fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch),
	}
}
