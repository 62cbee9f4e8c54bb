// Package version carries the client identity reported to the memory
// service and printed by --version.
package version

const (
	// ClientName identifies this client in registration descriptors and
	// the User-Agent header.
	ClientName = "memrelay"

	// Version is the release string. Bumped manually on tagging.
	Version = "0.3.0"
)
