// Package version provides the build version of the tools
package version

import (
	"fmt"
	"runtime"
)

// values are set by the linker:
// -ldflags "-X github.com/effective-security/p11sign/internal/version.Tag=v0.1.2 -X ...Commit=abcdef"
var (
	// Tag is the release tag
	Tag = "v0.0.0"
	// Commit is the git commit
	Commit = "dev"
)

// Info describes the build
type Info struct {
	Tag     string `json:"tag"`
	Commit  string `json:"commit"`
	Runtime string `json:"runtime"`
}

// Current returns the version of the running binary
func Current() Info {
	return Info{
		Tag:     Tag,
		Commit:  Commit,
		Runtime: runtime.Version(),
	}
}

// String returns the version string
func (v Info) String() string {
	return fmt.Sprintf("%s (%s) %s", v.Tag, v.Commit, v.Runtime)
}
