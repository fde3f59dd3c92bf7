// Command mtadmin inspects and administers Linux and Windows hosts over
// SSH, WinRM or a PsExec-style service.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/ArthurPierce23/mtadmin/internal/desktop"
)

// Exit codes
const (
	exitSuccess      = 0
	exitGeneralError = 1
	exitUnsupported  = 2
)

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if err := newApp().Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitSuccess
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "mtadmin",
		Usage:   "inspect and administer remote Linux and Windows hosts",
		Version: desktop.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file (default ~/.mtadmin/config.toml)", EnvVars: []string{"MTADMIN_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "login user (overrides inventory)"},
			&cli.StringFlag{Name: "os", Usage: "host OS when the inventory does not say: linux or windows"},
			&cli.StringFlag{Name: "backend", Usage: "ssh, winrm, psexec or local"},
			&cli.BoolFlag{Name: "ask-pass", Aliases: []string{"k"}, Usage: "prompt for the login password"},
			&cli.BoolFlag{Name: "ask-become-pass", Aliases: []string{"K"}, Usage: "prompt for the elevation password"},
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of tables"},
		},
		Before: setup,
		After:  teardown,
		Commands: []*cli.Command{
			sysinfoCommand(),
			psCommand(),
			killCommand(),
			netCommand(),
			usersCommand(),
			execCommand(),
			elevateCommand(),
			rdpCommand(),
			watchCommand(),
			hostsCommand(),
		},
	}
}
