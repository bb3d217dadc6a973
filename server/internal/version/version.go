// Package version carries the build identity of the relay binary.
package version

// Set at build time via -ldflags "-X .../version.Version=v1.2.3".
var (
	Version = "dev"
	Commit  = ""
)

// Get returns the version, with the commit appended when known.
func Get() string {
	if Commit == "" {
		return Version
	}
	return Version + "+" + Commit
}
