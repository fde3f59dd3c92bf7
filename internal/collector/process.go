package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// ProcessRecord is one row of a process listing.
type ProcessRecord struct {
	PID int
	// PPID is nil when the parent is unknown.
	PPID       *int
	User       string
	CPUPercent float64
	MemPercent float64
	StartTime  string
	Command    string
}

// psAuxFields is the column count of `ps aux`; the last column is the
// full command line.
const psAuxFields = 11

// ParsePSAux parses `ps aux` output. The header row is skipped and rows
// with fewer than 11 fields are dropped.
func ParsePSAux(out string) ([]ProcessRecord, error) {
	var procs []ProcessRecord
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	header := true
	for sc.Scan() {
		line := sc.Text()
		if header {
			header = false
			continue
		}
		fields := splitFieldsN(line, psAuxFields)
		if len(fields) < psAuxFields {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, remote.ParseError("ps aux", line, err)
		}
		cpu, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, remote.ParseError("ps aux", line, err)
		}
		mem, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, remote.ParseError("ps aux", line, err)
		}
		procs = append(procs, ProcessRecord{
			PID:        pid,
			User:       fields[0],
			CPUPercent: cpu,
			MemPercent: mem,
			StartTime:  fields[8],
			Command:    fields[10],
		})
	}
	return procs, sc.Err()
}

// splitFieldsN splits s on runs of whitespace into at most n fields. The
// last field keeps its inner whitespace.
func splitFieldsN(s string, n int) []string {
	var fields []string
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	for s != "" {
		if len(fields) == n-1 {
			fields = append(fields, strings.TrimRightFunc(s, unicode.IsSpace))
			break
		}
		end := strings.IndexFunc(s, unicode.IsSpace)
		if end < 0 {
			fields = append(fields, s)
			break
		}
		fields = append(fields, s[:end])
		s = strings.TrimLeftFunc(s[end:], unicode.IsSpace)
	}
	return fields
}

// ParsePPIDs parses `ps -eo pid=,ppid=` into a pid -> ppid map. Malformed
// lines are skipped.
func ParsePPIDs(out string) map[int]int {
	ppids := make(map[int]int)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		ppids[pid] = ppid
	}
	return ppids
}

// ProcessNode is a process with its children, for tree display.
type ProcessNode struct {
	Process  ProcessRecord
	Children []*ProcessNode
}

// BuildTree arranges procs by parent pid. A process whose parent is
// unknown, absent from procs, or itself becomes a root. Processes caught
// in a parent cycle are promoted to roots as well. Input order is kept
// among siblings.
func BuildTree(procs []ProcessRecord) []*ProcessNode {
	nodes := make(map[int]*ProcessNode, len(procs))
	order := make([]*ProcessNode, 0, len(procs))
	for _, p := range procs {
		if _, dup := nodes[p.PID]; dup {
			continue
		}
		n := &ProcessNode{Process: p}
		nodes[p.PID] = n
		order = append(order, n)
	}

	var roots []*ProcessNode
	for _, n := range order {
		p := n.Process
		parent, ok := (*ProcessNode)(nil), false
		if p.PPID != nil && *p.PPID != p.PID {
			parent, ok = nodes[*p.PPID]
		}
		if !ok {
			roots = append(roots, n)
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	reached := make(map[int]bool, len(order))
	var walk func(n *ProcessNode)
	walk = func(n *ProcessNode) {
		if reached[n.Process.PID] {
			return
		}
		reached[n.Process.PID] = true
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	for _, n := range order {
		if reached[n.Process.PID] {
			continue
		}
		// Part of a cycle: detach it from its parent and make it a root.
		if parent := nodes[*n.Process.PPID]; parent != nil {
			parent.Children = removeChild(parent.Children, n)
		}
		roots = append(roots, n)
		walk(n)
	}
	return roots
}

func removeChild(children []*ProcessNode, target *ProcessNode) []*ProcessNode {
	out := children[:0]
	for _, c := range children {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Processes lists processes sorted by CPU usage, highest first.
func Processes(ctx context.Context, t Target) remote.Outcome[[]ProcessRecord] {
	switch t.Host().OS {
	case remote.OSLinux:
		return linuxProcesses(ctx, t)
	case remote.OSWindows:
		return windowsProcesses(ctx, t)
	}
	return remote.Unsupported[[]ProcessRecord]()
}

func linuxProcesses(ctx context.Context, t Target) remote.Outcome[[]ProcessRecord] {
	out, err := run(ctx, t, PSAuxCommand, remote.Options{})
	if err != nil {
		return remote.Failed[[]ProcessRecord](err)
	}
	procs, err := ParsePSAux(out)
	if err != nil {
		return remote.Failed[[]ProcessRecord](err)
	}

	// Parent pids are advisory; a failure here only leaves them unset.
	ppidOut, err := run(ctx, t, PPIDCommand, remote.Options{})
	if err != nil {
		if remote.IsTransportError(err) {
			return remote.Failed[[]ProcessRecord](err)
		}
		return remote.Ok(procs)
	}
	ppids := ParsePPIDs(ppidOut)
	for i := range procs {
		if ppid, ok := ppids[procs[i].PID]; ok {
			procs[i].PPID = ptr(ppid)
		}
	}
	return remote.Ok(procs)
}

// windowsProcessScript emits one JSON array of processes. CPU comes from
// the formatted perf counters, normalized by the logical core count.
const windowsProcessScript = `
$cores = (Get-CimInstance Win32_ComputerSystem).NumberOfLogicalProcessors
if (-not $cores) { $cores = 1 }
$totalKB = (Get-CimInstance Win32_OperatingSystem).TotalVisibleMemorySize
$cpu = @{}
try {
  Get-CimInstance Win32_PerfFormattedData_PerfProc_Process -ErrorAction Stop |
    Where-Object { $_.IDProcess -ne 0 } |
    ForEach-Object { $cpu[[int]$_.IDProcess] = [double]$_.PercentProcessorTime / $cores }
} catch {}
$rows = foreach ($p in Get-CimInstance Win32_Process) {
  $owner = ''
  try {
    $o = Invoke-CimMethod -InputObject $p -MethodName GetOwner -ErrorAction Stop
    if ($o.User) { $owner = if ($o.Domain) { "$($o.Domain)\$($o.User)" } else { $o.User } }
  } catch {}
  $start = ''
  if ($p.CreationDate) { $start = $p.CreationDate.ToString('yyyy-MM-dd HH:mm:ss') }
  $cmd = $p.CommandLine
  if (-not $cmd) { $cmd = $p.Name }
  [pscustomobject]@{
    Pid = [int]$p.ProcessId
    ParentPid = [int]$p.ParentProcessId
    User = $owner
    Cpu = [math]::Round([double]$cpu[[int]$p.ProcessId], 1)
    Mem = if ($totalKB) { [math]::Round(100.0 * $p.WorkingSetSize / 1024 / $totalKB, 1) } else { 0 }
    Start = $start
    Command = $cmd
  }
}
ConvertTo-Json -Compress -Depth 3 -InputObject @($rows)
`

type windowsProcess struct {
	PID       int     `json:"Pid"`
	ParentPID int     `json:"ParentPid"`
	User      string  `json:"User"`
	CPU       float64 `json:"Cpu"`
	Mem       float64 `json:"Mem"`
	Start     string  `json:"Start"`
	Command   string  `json:"Command"`
}

// ParseWindowsProcesses decodes the output of the Windows process script
// and sorts it by CPU usage, highest first.
func ParseWindowsProcesses(out string) ([]ProcessRecord, error) {
	var rows []windowsProcess
	if err := decodeJSON(out, &rows); err != nil {
		return nil, remote.ParseError("windows processes", out, err)
	}
	procs := make([]ProcessRecord, 0, len(rows))
	for _, r := range rows {
		procs = append(procs, ProcessRecord{
			PID:        r.PID,
			PPID:       ptr(r.ParentPID),
			User:       r.User,
			CPUPercent: r.CPU,
			MemPercent: r.Mem,
			StartTime:  r.Start,
			Command:    r.Command,
		})
	}
	sort.SliceStable(procs, func(i, j int) bool { return procs[i].CPUPercent > procs[j].CPUPercent })
	return procs, nil
}

func windowsProcesses(ctx context.Context, t Target) remote.Outcome[[]ProcessRecord] {
	out, err := run(ctx, t, windowsProcessScript, remote.Options{Shell: remote.ShellPowerShell})
	if err != nil {
		return remote.Failed[[]ProcessRecord](err)
	}
	procs, err := ParseWindowsProcesses(out)
	if err != nil {
		return remote.Failed[[]ProcessRecord](err)
	}
	return remote.Ok(procs)
}

// KillProcess terminates pid. force sends SIGKILL on Linux and adds /F
// to taskkill on Windows. Linux kills run elevated when the session holds
// elevation.
func KillProcess(ctx context.Context, t Target, pid int, force bool) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	var command string
	opts := remote.Options{}
	switch t.Host().OS {
	case remote.OSLinux:
		signal := "TERM"
		if force {
			signal = "KILL"
		}
		command = fmt.Sprintf("kill -%s %d", signal, pid)
		opts.Elevated = t.Elevated()
	case remote.OSWindows:
		command = fmt.Sprintf("taskkill /PID %d", pid)
		if force {
			command += " /F"
		}
	default:
		return remote.ErrUnsupported
	}

	_, err := run(ctx, t, command, opts)
	if errors.Is(err, errAccessDenied) {
		return remote.ElevationError("kill", t.Host().Name, remote.ReasonPolicyDenied, "")
	}
	return err
}
