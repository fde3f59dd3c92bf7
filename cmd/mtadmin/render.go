package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ArthurPierce23/mtadmin/internal/collector"
	"github.com/ArthurPierce23/mtadmin/internal/rdp"
	"github.com/ArthurPierce23/mtadmin/internal/session"
)

const missing = "-"

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orMissing[T any](p *T, format func(T) string) string {
	if p == nil {
		return missing
	}
	return format(*p)
}

func gb(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) + " GB" }

func pct[T int | float64](v T) string { return fmt.Sprintf("%v%%", v) }

// formatUptime renders d as "3d 4h 12m".
func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func renderSystem(w io.Writer, host string, s collector.SystemSnapshot) {
	t := newTable(w, host)
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"CPU", orMissing(s.CPUPercent, pct[int])},
		{"Cores", orMissing(s.Cores, strconv.Itoa)},
		{"CPU model", orMissing(s.CPUModel, func(v string) string { return v })},
		{"RAM", ramSummary(s)},
		{"MAC", orMissing(s.MAC, func(v string) string { return v })},
		{"Motherboard", orMissing(s.Motherboard, func(v string) string { return v })},
		{"Uptime", orMissing(s.Uptime, formatUptime)},
	})
	t.Render()

	if len(s.Disks) > 0 {
		d := newTable(w, "")
		d.AppendHeader(table.Row{"Mount", "Total", "Free", "Used"})
		for _, disk := range s.Disks {
			d.AppendRow(table.Row{disk.Mount, gb(disk.TotalGB), gb(disk.FreeGB), pct(disk.UsedPercent)})
		}
		d.SetColumnConfigs([]table.ColumnConfig{
			{Number: 2, Align: text.AlignRight},
			{Number: 3, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
		})
		d.Render()
	}

	if len(s.Errors) > 0 {
		fields := make([]string, 0, len(s.Errors))
		for f := range s.Errors {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			fmt.Fprintf(w, "  %s: %s\n", f, s.Errors[f])
		}
	}
}

func ramSummary(s collector.SystemSnapshot) string {
	if s.RAMUsedGB == nil || s.RAMTotalGB == nil {
		return missing
	}
	out := gb(*s.RAMUsedGB) + " / " + gb(*s.RAMTotalGB)
	if s.RAMPercent != nil {
		out += " (" + pct(*s.RAMPercent) + ")"
	}
	return out
}

func renderProcesses(w io.Writer, procs []collector.ProcessRecord, top int) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"PID", "PPID", "User", "CPU", "MEM", "Started", "Command"})
	for i, p := range procs {
		if top > 0 && i >= top {
			break
		}
		t.AppendRow(table.Row{p.PID, orMissing(p.PPID, strconv.Itoa), p.User, pct(p.CPUPercent), pct(p.MemPercent), p.StartTime, p.Command})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 7, WidthMax: 80},
	})
	t.Render()
}

// renderTree prints processes indented under their parents.
func renderTree(w io.Writer, roots []*collector.ProcessNode) {
	var walk func(n *collector.ProcessNode, depth int)
	walk = func(n *collector.ProcessNode, depth int) {
		fmt.Fprintf(w, "%s%d %s\n", strings.Repeat("  ", depth), n.Process.PID, n.Process.Command)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}

func renderInterfaces(w io.Writer, ifaces []collector.NetworkInterface) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"Interface", "IPv4"})
	for _, i := range ifaces {
		addrs := strings.Join(i.Addresses, ", ")
		if addrs == "" {
			addrs = missing
		}
		t.AppendRow(table.Row{i.Name, addrs})
	}
	t.Render()
}

func renderUsers(w io.Writer, users []collector.ActiveUserSession) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"User", "Type", "Status", "Session", "ID", "Logon"})
	for _, u := range users {
		t.AppendRow(table.Row{u.Username, u.LogonType, u.Status, u.SessionName, u.SessionID,
			orMissing(u.LogonTime, func(v string) string { return v })})
	}
	t.Render()
}

func renderRDP(w io.Writer, host string, c rdp.Config) {
	state := "disabled"
	if c.Enabled {
		state = "enabled"
	}
	users := strings.Join(c.Users, ", ")
	if users == "" {
		users = missing
	}
	t := newTable(w, host)
	t.AppendRows([]table.Row{
		{"RDP", state},
		{"Port", c.Port},
		{"Users", users},
	})
	t.Render()
}

func renderDiff(w io.Writer, d rdp.Diff) {
	if len(d.Added) == 0 && len(d.Removed) == 0 {
		fmt.Fprintln(w, "no changes")
		return
	}
	for _, u := range d.Added {
		fmt.Fprintf(w, "+ %s\n", u)
	}
	for _, u := range d.Removed {
		fmt.Fprintf(w, "- %s\n", u)
	}
}

func renderStatus(w io.Writer, statuses []session.Status) {
	t := newTable(w, "")
	t.AppendHeader(table.Row{"Host", "Backend", "Connected", "Elevation", "Last error"})
	for _, s := range statuses {
		lastErr := missing
		if s.LastError != nil {
			lastErr = s.LastError.Error()
		}
		t.AppendRow(table.Row{s.Host, s.Backend, s.Connected, s.Elevation, lastErr})
	}
	t.Render()
}
