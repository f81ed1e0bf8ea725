// Package version exposes the build version.
package version

// version is overridden at build time via
// -ldflags "-X gantry/internal/version.version=v1.2.3".
var version = "dev"

// Get returns the version string.
func Get() string {
	return version
}
