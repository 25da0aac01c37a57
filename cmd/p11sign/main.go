package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/effective-security/p11sign/cmd/p11sign/cli"
	"github.com/effective-security/p11sign/cryptoprov"
	"github.com/effective-security/p11sign/internal/version"
	"github.com/effective-security/x/ctl"
)

type app struct {
	cli.Cli

	List    cli.ListCmd    `cmd:"" help:"list credentials in the store"`
	Info    cli.InfoCmd    `cmd:"" help:"print credential information"`
	Slots   cli.SlotsCmd   `cmd:"" help:"list PKCS#11 slots and tokens"`
	Sign    cli.SignCmd    `cmd:"" help:"sign document"`
	Verify  cli.VerifyCmd  `cmd:"" help:"verify signature of document"`
	Version cli.VersionCmd `cmd:"" help:"print version"`
}

func main() {
	realMain(os.Args, os.Stdout, os.Stderr, os.Exit)
}

func realMain(args []string, out io.Writer, errout io.Writer, exit func(int)) {
	cl := app{
		Cli: cli.Cli{},
	}
	cl.Cli.WithErrWriter(errout).
		WithWriter(out)

	parser, err := kong.New(&cl,
		kong.Name("p11sign"),
		kong.Description("CLI tool to list credentials and sign documents with PKCS#11 token or KMS"),
		kong.Writers(out, errout),
		kong.Exit(exit),
		ctl.BoolPtrMapper,
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.Current().String(),
		})
	if err != nil {
		panic(err)
	}

	ctx, err := parser.Parse(args[1:])
	if err != nil {
		fmt.Fprintf(errout, "p11sign: error: %s\n", err.Error())
		exit(cli.ExitCode(cryptoprov.Mark(err, cryptoprov.ErrConfiguration, "")))
		return
	}

	if cl.Debug {
		// in DEBUG more print command line
		_, _ = fmt.Fprintf(ctx.Stdout, "#\n# %s\n#\n", strings.Join(args, " "))
	}
	if err = ctx.Run(&cl.Cli); err != nil {
		fmt.Fprintf(errout, "p11sign: error: %s\n", err.Error())
		exit(cli.ExitCode(err))
	}
}
