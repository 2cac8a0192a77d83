package buildinfo

import "fmt"

// Set via -ldflags at release build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("masterd %s (commit=%s, date=%s)", Version, Commit, Date)
}
