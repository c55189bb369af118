// Package version holds build-time identification, populated via
// -ldflags at release build time. Authored fresh: the teacher's
// cmd/others/handler.go references a version package of this shape but
// the package itself was not part of the retrieved sources, so this file
// follows only the implied usage (a String() printed by "version") rather
// than any literal teacher source.
package version

import "fmt"

// Version, Commit, and BuildTime are overridden via:
//
//	go build -ldflags "-X github.com/karapace-project/karapace/version.Version=..."
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String renders the version block printed by "karapace version".
func String() string {
	return fmt.Sprintf("karapace version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime)
}
