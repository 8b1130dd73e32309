package version

import "fmt"

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.1.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// String renders the version line printed by `gwctl version`.
func String() string {
	return fmt.Sprintf("gwctl %s (%s)", VERSION, Commit)
}
