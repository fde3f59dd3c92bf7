// Package collector issues read-only commands through a session and
// parses their output into typed records.
//
// Every collector returns a remote.Outcome. Transport failures fail the
// call; a single field that cannot be read becomes nil plus a note in the
// record's Errors map.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Target is the part of a session the collectors need.
type Target interface {
	Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error)
	Host() remote.Host
	Elevated() bool
	RecordAccessDenied()
}

// Kind names a collector for scheduling.
type Kind string

const (
	KindSystem    Kind = "system"
	KindProcesses Kind = "processes"
	KindNetwork   Kind = "network"
	KindUsers     Kind = "users"
	KindRDP       Kind = "rdp"
)

// Exact command strings whose output the parsers depend on.
const (
	PSAuxCommand     = "ps aux --sort=-%cpu"
	PPIDCommand      = "ps -eo pid=,ppid="
	DFCommand        = "df -B1 --output=target,size,avail,pcent -x tmpfs -x devtmpfs"
	IPAddrCommand    = "ip addr show"
	ProcStatCommand  = "head -n1 /proc/stat"
	MeminfoCommand   = "cat /proc/meminfo"
	QuserCommand     = "quser"
	QwinstaCommand   = "qwinsta /server:"
	WhoCommand       = "who"
	NprocCommand     = "nproc"
	CPUModelCommand  = "grep -m1 'model name' /proc/cpuinfo"
	LinkCommand      = "ip -o link show"
	UptimeCommand    = "cat /proc/uptime"
	BoardSysfsCmd    = "cat /sys/class/dmi/id/board_name"
	BoardDmidecode   = "dmidecode -s baseboard-product-name"
)

// ElevationRequired is the field note left when a value needs rights the
// session does not hold.
const ElevationRequired = "elevation required"

// run executes command and returns its stdout. Transport errors are
// returned unchanged so callers can propagate them.
//
// A non-zero exit that still printed something on stdout keeps that
// output: df and friends exit 1 when a single mount is unreadable. The
// stderr text goes to the target's warner, if any. Access is only
// recorded as denied when the command ran elevated or printed nothing.
func run(ctx context.Context, t Target, command string, opts remote.Options) (string, error) {
	res, err := t.Execute(ctx, command, opts)
	if err != nil {
		return "", err
	}
	if res.OK() {
		return res.Stdout, nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", res.ExitCode)
	}
	denied := remote.IsAccessDenied(msg)
	if strings.TrimSpace(res.Stdout) != "" {
		if denied && opts.Elevated {
			t.RecordAccessDenied()
		}
		if w, ok := t.(warner); ok {
			w.warn(command, msg)
		}
		return res.Stdout, nil
	}
	if denied {
		t.RecordAccessDenied()
		return "", fmt.Errorf("%s: %w", command, errAccessDenied)
	}
	return "", fmt.Errorf("%s: %s", command, msg)
}

// warner receives the stderr of commands whose partial output run kept.
type warner interface {
	warn(command, stderr string)
}

// fieldTarget collects warnings for a single snapshot field.
type fieldTarget struct {
	Target
	warnings []string
}

func (f *fieldTarget) warn(command, stderr string) {
	f.warnings = append(f.warnings, command+": "+stderr)
}

var (
	errAccessDenied = errors.New(ElevationRequired)
	errEmptyValue   = errors.New("empty value")
)

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return remote.ContextError(ctx, "collector", "")
	case <-timer.C:
		return nil
	}
}

// bytesPerGB converts byte counts to binary gigabytes.
const bytesPerGB = 1 << 30

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func ptr[T any](v T) *T {
	return &v
}

func noteError(errs map[string]string, field string, err error) {
	if errors.Is(err, errAccessDenied) {
		errs[field] = ElevationRequired
		return
	}
	errs[field] = err.Error()
}
