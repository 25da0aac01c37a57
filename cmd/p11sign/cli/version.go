package cli

import (
	"fmt"

	"github.com/effective-security/p11sign/internal/version"
)

// VersionCmd prints the version
type VersionCmd struct {
	JSON bool `name:"json" help:"print as JSON"`
}

// Run the command
func (a *VersionCmd) Run(ctx *Cli) error {
	v := version.Current()
	if a.JSON {
		return ctx.WriteJSON(v)
	}
	fmt.Fprintln(ctx.Writer(), v.String())
	return nil
}
