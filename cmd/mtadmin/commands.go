package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/ArthurPierce23/mtadmin/internal/collector"
	"github.com/ArthurPierce23/mtadmin/internal/desktop"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
	"github.com/ArthurPierce23/mtadmin/internal/scripts"
)

// hostResult is the outcome of one host in a multi-host command.
type hostResult[T any] struct {
	Host  string `json:"host"`
	Value T      `json:"value,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// eachHost connects to every host in parallel and runs fn against it,
// showing a progress bar when there is more than one. Results keep the
// argument order.
func eachHost[T any](c *cli.Context, e *env, hosts []string, fn func(host string) (T, error)) []hostResult[T] {
	results := make([]hostResult[T], len(hosts))

	var bar *progressbar.ProgressBar
	if len(hosts) > 1 {
		bar = progressbar.NewOptions(len(hosts),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(c.Command.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	var wg sync.WaitGroup
	for i, name := range hosts {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			r := hostResult[T]{Host: name}
			host, err := e.connect(c, name)
			if err == nil {
				r.Host = host
				r.Value, err = fn(host)
			}
			if err != nil {
				r.Err, r.Error = err, err.Error()
				e.logger.Warn("host failed", map[string]string{"host": name, "command": c.Command.Name, "error": err.Error()})
			}
			results[i] = r
			if bar != nil {
				_ = bar.Add(1)
			}
		}(i, name)
	}
	wg.Wait()
	if bar != nil {
		_ = bar.Finish()
	}
	return results
}

// failures prints per-host errors and summarizes them as one error.
func failures[T any](e *env, results []hostResult[T]) error {
	var failed []string
	var last error
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", r.Host, describe(r.Err))
			failed = append(failed, r.Host)
			last = r.Err
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		if len(results) == 1 {
			return last
		}
	}
	return fmt.Errorf("%d of %d hosts failed: %s", len(failed), len(results), strings.Join(failed, ", "))
}

// single connects to the only host argument.
func single(c *cli.Context) (*env, string, error) {
	if c.NArg() < 1 {
		return nil, "", fmt.Errorf("usage: mtadmin %s %s", c.Command.Name, c.Command.ArgsUsage)
	}
	e := envFrom(c)
	host, err := e.connect(c, c.Args().First())
	return e, host, err
}

func sysinfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "sysinfo",
		Usage:     "show CPU, memory, disks and hardware of one or more hosts",
		ArgsUsage: "HOST...",
		Action: func(c *cli.Context) error {
			hosts, err := hostArgs(c)
			if err != nil {
				return err
			}
			e := envFrom(c)
			results := eachHost(c, e, hosts, func(host string) (collector.SystemSnapshot, error) {
				return await(e.app.RefreshSystem(host))(e.ctx)
			})
			if e.json {
				if err := writeJSON(e.out, results); err != nil {
					return err
				}
			} else {
				for _, r := range results {
					if r.Err == nil {
						renderSystem(e.out, r.Host, r.Value)
					}
				}
			}
			return failures(e, results)
		},
	}
}

func psCommand() *cli.Command {
	return &cli.Command{
		Name:      "ps",
		Usage:     "list processes",
		ArgsUsage: "HOST",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "top", Usage: "show only the N busiest processes", Value: 0},
			&cli.BoolFlag{Name: "tree", Usage: "show the parent/child tree"},
		},
		Action: func(c *cli.Context) error {
			e, host, err := single(c)
			if err != nil {
				return err
			}
			procs, err := await(e.app.RefreshProcesses(host))(e.ctx)
			if err != nil {
				return err
			}
			switch {
			case e.json:
				return writeJSON(e.out, procs)
			case c.Bool("tree"):
				renderTree(e.out, collector.BuildTree(procs))
			default:
				renderProcesses(e.out, procs, c.Int("top"))
			}
			return nil
		},
	}
}

func killCommand() *cli.Command {
	return &cli.Command{
		Name:      "kill",
		Usage:     "terminate a process",
		ArgsUsage: "HOST PID",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "SIGKILL on Linux, /F on Windows"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: mtadmin kill HOST PID")
			}
			pid, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid pid %q", c.Args().Get(1))
			}
			e, host, err := single(c)
			if err != nil {
				return err
			}
			if _, err := await(e.app.KillProcess(host, pid, c.Bool("force")))(e.ctx); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "killed %d on %s\n", pid, host)
			return nil
		},
	}
}

func netCommand() *cli.Command {
	return &cli.Command{
		Name:      "net",
		Usage:     "list network interfaces and IPv4 addresses",
		ArgsUsage: "HOST",
		Action: func(c *cli.Context) error {
			e, host, err := single(c)
			if err != nil {
				return err
			}
			ifaces, err := await(e.app.RefreshNetwork(host))(e.ctx)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, ifaces)
			}
			renderInterfaces(e.out, ifaces)
			return nil
		},
	}
}

func usersCommand() *cli.Command {
	return &cli.Command{
		Name:      "users",
		Usage:     "list logged-on users",
		ArgsUsage: "HOST",
		Action: func(c *cli.Context) error {
			e, host, err := single(c)
			if err != nil {
				return err
			}
			users, err := await(e.app.RefreshUsers(host))(e.ctx)
			if err != nil {
				return err
			}
			if e.json {
				return writeJSON(e.out, users)
			}
			renderUsers(e.out, users)
			return nil
		},
	}
}

// scriptFromFlags builds the script from --file or --command.
func scriptFromFlags(c *cli.Context) (scripts.Script, error) {
	var s scripts.Script
	switch file, inline := c.String("file"), c.String("command"); {
	case file != "" && inline != "":
		return s, fmt.Errorf("--file and --command are mutually exclusive")
	case file != "":
		loaded, err := scripts.Load(file)
		if err != nil {
			return s, err
		}
		s = loaded
	case inline != "":
		s = scripts.Script{Name: "inline", Body: inline}
	default:
		return s, fmt.Errorf("one of --file or --command is required")
	}
	if l := c.String("lang"); l != "" {
		lang, err := scripts.ParseLanguage(l)
		if err != nil {
			return s, err
		}
		s.Language = lang
	}
	s.Elevated = c.Bool("elevated")
	s.Timeout = c.Duration("timeout")
	return s, nil
}

func execCommand() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "run a script on one or more hosts",
		ArgsUsage: "HOST...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "script file; language from extension"},
			&cli.StringFlag{Name: "command", Aliases: []string{"c"}, Usage: "inline script"},
			&cli.StringFlag{Name: "lang", Usage: "bash, sh, powershell or cmd"},
			&cli.BoolFlag{Name: "elevated", Usage: "run with administrative rights"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-host timeout (default from config)"},
		},
		Action: func(c *cli.Context) error {
			hosts, err := hostArgs(c)
			if err != nil {
				return err
			}
			s, err := scriptFromFlags(c)
			if err != nil {
				return err
			}
			e := envFrom(c)
			results := eachHost(c, e, hosts, func(host string) (remote.Result, error) {
				if s.Elevated {
					if err := e.ensureElevated(c, host); err != nil {
						return remote.Result{}, err
					}
				}
				return await(e.app.RunScript(host, s))(e.ctx)
			})
			if e.json {
				if err := writeJSON(e.out, results); err != nil {
					return err
				}
				return failures(e, results)
			}
			for _, r := range results {
				if r.Err != nil {
					continue
				}
				if len(results) > 1 {
					fmt.Fprintf(e.out, "== %s (exit %d)\n", r.Host, r.Value.ExitCode)
				}
				fmt.Fprint(e.out, r.Value.Stdout)
				if r.Value.Stderr != "" {
					fmt.Fprint(os.Stderr, r.Value.Stderr)
				}
			}
			if err := failures(e, results); err != nil {
				return err
			}
			if len(results) == 1 && results[0].Value.ExitCode != 0 {
				return fmt.Errorf("script exited with status %d", results[0].Value.ExitCode)
			}
			return nil
		},
	}
}

// ensureElevated acquires elevation on host unless the session already
// holds it.
func (e *env) ensureElevated(c *cli.Context, host string) error {
	for _, st := range e.app.Hosts() {
		if remote.HostKey(st.Host) == remote.HostKey(host) && st.Elevation == remote.ElevationGranted {
			return nil
		}
	}
	_, creds, err := e.target(c, host)
	if err != nil {
		return err
	}
	_, err = await(e.app.Elevate(host, creds))(e.ctx)
	return err
}

func elevateCommand() *cli.Command {
	return &cli.Command{
		Name:      "elevate",
		Usage:     "check that administrative rights can be acquired",
		ArgsUsage: "HOST",
		Action: func(c *cli.Context) error {
			e, host, err := single(c)
			if err != nil {
				return err
			}
			_, creds, err := e.target(c, c.Args().First())
			if err != nil {
				return err
			}
			info, err := await(e.app.Elevate(host, creds))(e.ctx)
			if e.json {
				if jerr := writeJSON(e.out, info); jerr != nil {
					return jerr
				}
			} else {
				fmt.Fprintf(e.out, "%s: elevation %s (%s)\n", info.Host, info.Elevation, info.Reason)
			}
			return err
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "refresh a collector periodically until interrupted",
		ArgsUsage: "HOST KIND",
		Description: "KIND is one of system, processes, network, users, rdp. " +
			"The interval comes from [refresh] interval_seconds.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "stop after N updates (0 runs until interrupted)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("usage: mtadmin watch HOST KIND")
			}
			e, host, err := single(c)
			if err != nil {
				return err
			}
			kind := collector.Kind(strings.ToLower(c.Args().Get(1)))

			updates := make(chan desktop.Update)
			done := make(chan struct{})
			stop, err := e.app.Watch(host, kind, func(u desktop.Update) {
				select {
				case updates <- u:
				case <-done:
				}
			})
			if err != nil {
				return err
			}
			defer stop()
			defer close(done)

			limit := c.Int("count")
			for n := 0; limit == 0 || n < limit; n++ {
				select {
				case <-e.ctx.Done():
					return nil
				case u := <-updates:
					e.printUpdate(u)
				}
			}
			return nil
		},
	}
}

func (e *env) printUpdate(u desktop.Update) {
	if e.json {
		_ = writeJSON(e.out, hostResult[any]{Host: u.Host, Value: u.Value, Err: u.Err, Error: errString(u.Err)})
		return
	}
	fmt.Fprintf(e.out, "%s %s %s\n", time.Now().Format("15:04:05"), u.Host, u.Kind)
	if u.Err != nil {
		fmt.Fprintf(e.out, "  error: %s\n", describe(u.Err))
		return
	}
	switch v := u.Value.(type) {
	case collector.SystemSnapshot:
		renderSystem(e.out, u.Host, v)
	case []collector.ProcessRecord:
		renderProcesses(e.out, v, 15)
	case []collector.NetworkInterface:
		renderInterfaces(e.out, v)
	case []collector.ActiveUserSession:
		renderUsers(e.out, v)
	default:
		fmt.Fprintf(e.out, "  %+v\n", v)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func hostsCommand() *cli.Command {
	return &cli.Command{
		Name:  "hosts",
		Usage: "list inventory hosts; with --check, connect to each",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "check", Usage: "connect and report session state"},
		},
		Action: func(c *cli.Context) error {
			e := envFrom(c)
			ids := e.cfg.HostIDs()
			if !c.Bool("check") {
				t := newTable(e.out, "")
				t.AppendHeader([]any{"ID", "Host", "OS", "Backend", "User"})
				for _, id := range ids {
					h, creds, err := e.cfg.Resolve(id)
					if err != nil {
						t.AppendRow([]any{id, err.Error(), "", "", ""})
						continue
					}
					t.AppendRow([]any{id, h.Name, h.OS, h.Backend, creds.QualifiedUser()})
				}
				t.Render()
				return nil
			}
			if len(ids) == 0 {
				return fmt.Errorf("no hosts in the inventory")
			}
			results := eachHost(c, e, ids, func(string) (struct{}, error) { return struct{}{}, nil })
			statuses := e.app.Hosts()
			sort.Slice(statuses, func(i, j int) bool { return statuses[i].Host < statuses[j].Host })
			if e.json {
				if err := writeJSON(e.out, statuses); err != nil {
					return err
				}
			} else {
				renderStatus(e.out, statuses)
			}
			return failures(e, results)
		},
	}
}
