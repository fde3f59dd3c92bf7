package collector

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// CPUSample is one reading of the aggregate cpu line of /proc/stat.
type CPUSample struct {
	Total uint64
	Idle  uint64
}

// procStatIdleColumn is the index, among the numeric fields of the cpu
// line, of the value treated as idle time.
const procStatIdleColumn = 4

// ParseProcStat parses the aggregate "cpu" line of /proc/stat.
func ParseProcStat(line string) (CPUSample, error) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) < procStatIdleColumn+2 || fields[0] != "cpu" {
		return CPUSample{}, remote.ParseError("proc stat", line, errors.New("not an aggregate cpu line"))
	}
	var s CPUSample
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return CPUSample{}, remote.ParseError("proc stat", line, err)
		}
		s.Total += v
		if i == procStatIdleColumn {
			s.Idle = v
		}
	}
	return s, nil
}

// CPUUsage returns the busy percentage between two samples, rounded to
// the nearest integer. Equal totals yield 0.
func CPUUsage(a, b CPUSample) int {
	if b.Total <= a.Total {
		return 0
	}
	total := float64(b.Total - a.Total)
	busy := (float64(b.Total) - float64(b.Idle)) - (float64(a.Total) - float64(a.Idle))
	usage := int(math.Round(100 * busy / total))
	switch {
	case usage < 0:
		return 0
	case usage > 100:
		return 100
	}
	return usage
}

// Memory is a /proc/meminfo reading in gigabytes.
type Memory struct {
	UsedGB  float64
	TotalGB float64
	Percent float64
}

// ParseMeminfo reads MemTotal and MemAvailable (kB) from /proc/meminfo.
func ParseMeminfo(out string) (Memory, error) {
	var total, avail uint64
	var haveTotal, haveAvail bool
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, haveTotal = v, true
		case "MemAvailable:":
			avail, haveAvail = v, true
		}
	}
	if !haveTotal || !haveAvail || total == 0 {
		return Memory{}, remote.ParseError("meminfo", firstLine(out), errors.New("MemTotal or MemAvailable missing"))
	}
	used := total - min(avail, total)
	const kbPerGB = 1 << 20
	return Memory{
		UsedGB:  round(float64(used)/kbPerGB, 2),
		TotalGB: round(float64(total)/kbPerGB, 2),
		Percent: round(100*float64(used)/float64(total), 1),
	}, nil
}

// Disk is one mounted filesystem.
type Disk struct {
	Mount       string
	TotalGB     float64
	FreeGB      float64
	UsedPercent float64
}

// ParseDF parses the output of DFCommand. The header row is skipped.
func ParseDF(out string) ([]Disk, error) {
	var disks []Disk
	sc := bufio.NewScanner(strings.NewReader(out))
	first := true
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if first {
			first = false
			if len(fields) > 0 && (fields[0] == "Mounted" || !strings.HasPrefix(fields[0], "/")) {
				continue
			}
		}
		if len(fields) < 4 {
			return nil, remote.ParseError("df", line, errors.New("expected 4 columns"))
		}
		// Mount points may contain spaces; the three numeric columns are last.
		n := len(fields)
		size, err1 := strconv.ParseUint(fields[n-3], 10, 64)
		avail, err2 := strconv.ParseUint(fields[n-2], 10, 64)
		pct, err3 := strconv.ParseFloat(strings.TrimSuffix(fields[n-1], "%"), 64)
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, remote.ParseError("df", line, err)
		}
		disks = append(disks, Disk{
			Mount:       strings.Join(fields[:n-3], " "),
			TotalGB:     round(float64(size)/bytesPerGB, 2),
			FreeGB:      round(float64(avail)/bytesPerGB, 2),
			UsedPercent: pct,
		})
	}
	return disks, nil
}

// ParseCPUModel extracts the value of a /proc/cpuinfo "model name" line.
func ParseCPUModel(out string) (string, error) {
	line := firstLine(out)
	_, model, ok := strings.Cut(line, ":")
	model = strings.TrimSpace(model)
	if !ok || model == "" {
		return "", remote.ParseError("cpuinfo", line, errors.New("no model name"))
	}
	return model, nil
}

// ParseUptime parses the first field of /proc/uptime.
func ParseUptime(out string) (time.Duration, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, remote.ParseError("uptime", out, errors.New("empty output"))
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, remote.ParseError("uptime", out, err)
	}
	return time.Duration(secs * float64(time.Second)).Truncate(time.Second), nil
}

var (
	linkHeaderRe = regexp.MustCompile(`^\d+:\s+([^:@\s]+)`)
	linkEtherRe  = regexp.MustCompile(`link/ether\s+([0-9a-fA-F:]{17})`)
)

// ParseLinkMACs returns the MAC addresses of interfaces that are up,
// in the order listed by `ip -o link show`. Loopback and all-zero
// addresses are skipped.
func ParseLinkMACs(out string) []string {
	var macs []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		m := linkHeaderRe.FindStringSubmatch(line)
		if m == nil || m[1] == "lo" {
			continue
		}
		up := strings.Contains(line, "state UP") ||
			(strings.Contains(line, "state UNKNOWN") && strings.Contains(line, ",UP"))
		if !up {
			continue
		}
		e := linkEtherRe.FindStringSubmatch(line)
		if e == nil || e[1] == "00:00:00:00:00:00" {
			continue
		}
		macs = append(macs, strings.ToLower(e[1]))
	}
	return macs
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func atoi(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}
