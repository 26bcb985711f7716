// Package version carries build metadata stamped in with -ldflags, e.g.
//
//	-X github.com/luanle13/ancaptruyenlamvideo/internal/version.Version=v1.2.0
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String formats the build metadata for banners and --version output.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate)
}
