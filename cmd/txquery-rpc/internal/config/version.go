//nolint:gochecknoglobals // allow global variables
package config

var (
	// Version is the txquery-rpc version number, which is injected during build time.
	Version = "0.0.0"

	// CommitHash is the txquery-rpc git commit hash, which is injected during build time.
	CommitHash = ""

	// BuildTimestamp is the timestamp at which txquery-rpc was built, injected during build time.
	BuildTimestamp = ""

	// Branch is the git branch from which txquery-rpc was built, injected during build time.
	Branch = ""
)
