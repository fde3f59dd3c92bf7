package main

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/ArthurPierce23/mtadmin/internal/rdp"
)

func rdpCommand() *cli.Command {
	return &cli.Command{
		Name:  "rdp",
		Usage: "inspect and change Remote Desktop settings of a Windows host",
		Subcommands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "show whether RDP is enabled, its port and allowed users",
				ArgsUsage: "HOST",
				Action:    rdpStatus,
			},
			{
				Name:      "enable",
				Usage:     "allow RDP connections and open the firewall",
				ArgsUsage: "HOST",
				Action:    func(c *cli.Context) error { return rdpSetEnabled(c, true) },
			},
			{
				Name:      "disable",
				Usage:     "deny RDP connections",
				ArgsUsage: "HOST",
				Action:    func(c *cli.Context) error { return rdpSetEnabled(c, false) },
			},
			{
				Name:      "port",
				Usage:     "change the listening port",
				ArgsUsage: "HOST PORT",
				Action:    rdpSetPort,
			},
			{
				Name:      "users",
				Usage:     "list members of the Remote Desktop Users group",
				ArgsUsage: "HOST",
				Action:    rdpStatus,
			},
			{
				Name:      "add-user",
				Usage:     "grant a user RDP access",
				ArgsUsage: "HOST USER",
				Action:    func(c *cli.Context) error { return rdpMember(c, true) },
			},
			{
				Name:      "remove-user",
				Usage:     "revoke a user's RDP access",
				ArgsUsage: "HOST USER",
				Action:    func(c *cli.Context) error { return rdpMember(c, false) },
			},
			{
				Name:      "sync-users",
				Usage:     "make the group contain exactly the given users",
				ArgsUsage: "HOST USER...",
				Action:    rdpSyncUsers,
			},
		},
	}
}

func rdpStatus(c *cli.Context) error {
	e, host, err := single(c)
	if err != nil {
		return err
	}
	cfg, err := await(e.app.RDPConfig(host))(e.ctx)
	if err != nil {
		return err
	}
	if e.json {
		return writeJSON(e.out, cfg)
	}
	if c.Command.Name == "users" {
		for _, u := range cfg.Users {
			fmt.Fprintln(e.out, u)
		}
		return nil
	}
	renderRDP(e.out, host, cfg)
	return nil
}

func rdpSetEnabled(c *cli.Context, enabled bool) error {
	e, host, err := single(c)
	if err != nil {
		return err
	}
	if _, err := await(e.app.SetRDPEnabled(host, enabled))(e.ctx); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: RDP %sd\n", host, c.Command.Name)
	return nil
}

func rdpSetPort(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: mtadmin rdp port HOST PORT")
	}
	port, err := strconv.Atoi(c.Args().Get(1))
	if err != nil {
		return fmt.Errorf("invalid port %q", c.Args().Get(1))
	}
	if err := rdp.ValidatePort(port); err != nil {
		return err
	}
	e, host, err := single(c)
	if err != nil {
		return err
	}
	if _, err := await(e.app.SetRDPPort(host, port))(e.ctx); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: RDP port set to %d (reconnect on the new port)\n", host, port)
	return nil
}

func rdpMember(c *cli.Context, add bool) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: mtadmin rdp %s HOST USER", c.Command.Name)
	}
	e, host, err := single(c)
	if err != nil {
		return err
	}
	user := c.Args().Get(1)
	if add {
		_, err = await(e.app.AddRDPUser(host, user))(e.ctx)
	} else {
		_, err = await(e.app.RemoveRDPUser(host, user))(e.ctx)
	}
	if err != nil {
		return err
	}
	verb := "removed from"
	if add {
		verb = "added to"
	}
	fmt.Fprintf(e.out, "%s: %s %s Remote Desktop Users\n", host, user, verb)
	return nil
}

func rdpSyncUsers(c *cli.Context) error {
	e, host, err := single(c)
	if err != nil {
		return err
	}
	diff, err := await(e.app.SyncRDPUsers(host, c.Args().Tail()))(e.ctx)
	if err != nil {
		return err
	}
	if e.json {
		return writeJSON(e.out, diff)
	}
	renderDiff(e.out, diff)
	return nil
}
