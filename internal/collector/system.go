package collector

import (
	"context"
	"strings"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// SystemSnapshot is a point-in-time view of a host. Every field may be
// nil; Errors explains the ones that are, and also carries the stderr of
// fields read from partial output.
type SystemSnapshot struct {
	CPUPercent  *int
	Cores       *int
	CPUModel    *string
	RAMUsedGB   *float64
	RAMTotalGB  *float64
	RAMPercent  *float64
	Disks       []Disk
	MAC         *string
	MACs        []string
	Motherboard *string
	Uptime      *time.Duration

	// Errors maps a field name to the reason it is missing or incomplete.
	Errors map[string]string
}

// Field names used as keys of SystemSnapshot.Errors.
const (
	FieldCPU         = "cpu"
	FieldCores       = "cores"
	FieldCPUModel    = "cpu_model"
	FieldMemory      = "memory"
	FieldDisks       = "disks"
	FieldMAC         = "mac"
	FieldMotherboard = "motherboard"
	FieldUptime      = "uptime"
)

// DefaultSampleInterval separates the two /proc/stat reads.
const DefaultSampleInterval = 500 * time.Millisecond

// SystemOptions tune SystemInfo.
type SystemOptions struct {
	// SampleInterval is the delay between CPU samples on Linux.
	SampleInterval time.Duration
}

// SystemInfo collects a SystemSnapshot. Unknown OS kinds are Unsupported.
func SystemInfo(ctx context.Context, t Target, opts SystemOptions) remote.Outcome[SystemSnapshot] {
	switch t.Host().OS {
	case remote.OSLinux:
		if opts.SampleInterval <= 0 {
			opts.SampleInterval = DefaultSampleInterval
		}
		return linuxSystemInfo(ctx, t, opts)
	case remote.OSWindows:
		return windowsSystemInfo(ctx, t)
	}
	return remote.Unsupported[SystemSnapshot]()
}

// linuxStep reads one snapshot field. A transport error aborts the whole
// snapshot; anything else is noted against the field.
type linuxStep struct {
	field string
	fn    func(ctx context.Context, t Target, snap *SystemSnapshot) error
}

func linuxSystemInfo(ctx context.Context, t Target, opts SystemOptions) remote.Outcome[SystemSnapshot] {
	snap := SystemSnapshot{Errors: make(map[string]string)}
	steps := []linuxStep{
		{FieldCPU, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			usage, err := SampleCPU(ctx, t, opts.SampleInterval)
			if err == nil {
				s.CPUPercent = ptr(usage)
			}
			return err
		}},
		{FieldCores, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, NprocCommand, remote.Options{})
			if err != nil {
				return err
			}
			n, err := atoi(out)
			if err != nil {
				return remote.ParseError("nproc", out, err)
			}
			s.Cores = ptr(n)
			return nil
		}},
		{FieldCPUModel, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, CPUModelCommand, remote.Options{})
			if err != nil {
				return err
			}
			model, err := ParseCPUModel(out)
			if err == nil {
				s.CPUModel = ptr(model)
			}
			return err
		}},
		{FieldMemory, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, MeminfoCommand, remote.Options{})
			if err != nil {
				return err
			}
			mem, err := ParseMeminfo(out)
			if err != nil {
				return err
			}
			s.RAMUsedGB, s.RAMTotalGB, s.RAMPercent = ptr(mem.UsedGB), ptr(mem.TotalGB), ptr(mem.Percent)
			return nil
		}},
		{FieldDisks, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, DFCommand, remote.Options{})
			if err != nil {
				return err
			}
			disks, err := ParseDF(out)
			if err == nil {
				s.Disks = disks
			}
			return err
		}},
		{FieldMAC, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, LinkCommand, remote.Options{})
			if err != nil {
				return err
			}
			s.MACs = ParseLinkMACs(out)
			if len(s.MACs) > 0 {
				s.MAC = ptr(s.MACs[0])
			}
			return nil
		}},
		{FieldMotherboard, linuxMotherboard},
		{FieldUptime, func(ctx context.Context, t Target, s *SystemSnapshot) error {
			out, err := run(ctx, t, UptimeCommand, remote.Options{})
			if err != nil {
				return err
			}
			up, err := ParseUptime(out)
			if err == nil {
				s.Uptime = ptr(up)
			}
			return err
		}},
	}

	for _, step := range steps {
		ft := &fieldTarget{Target: t}
		err := step.fn(ctx, ft, &snap)
		if err == nil {
			if len(ft.warnings) > 0 {
				snap.Errors[step.field] = strings.Join(ft.warnings, "; ")
			}
			continue
		}
		if remote.IsTransportError(err) || ctx.Err() != nil {
			return remote.Failed[SystemSnapshot](err)
		}
		noteError(snap.Errors, step.field, err)
	}
	return remote.Ok(snap)
}

// linuxMotherboard reads the board name from sysfs and falls back to
// dmidecode, which needs root.
func linuxMotherboard(ctx context.Context, t Target, s *SystemSnapshot) error {
	out, err := run(ctx, t, BoardSysfsCmd, remote.Options{})
	if err == nil {
		if name := strings.TrimSpace(out); name != "" {
			s.Motherboard = ptr(name)
			return nil
		}
	} else if remote.IsTransportError(err) {
		return err
	}

	if !t.Elevated() {
		return errAccessDenied
	}
	out, err = run(ctx, t, BoardDmidecode, remote.Options{Elevated: true})
	if err != nil {
		return err
	}
	name := strings.TrimSpace(firstLine(out))
	if name == "" || strings.HasPrefix(name, "#") {
		return remote.ParseError("dmidecode", out, errEmptyValue)
	}
	s.Motherboard = ptr(name)
	return nil
}

// SampleCPU reads /proc/stat twice, interval apart, and returns the busy
// percentage in between.
func SampleCPU(ctx context.Context, t Target, interval time.Duration) (int, error) {
	out, err := run(ctx, t, ProcStatCommand, remote.Options{})
	if err != nil {
		return 0, err
	}
	first, err := ParseProcStat(out)
	if err != nil {
		return 0, err
	}
	if err := sleepCtx(ctx, interval); err != nil {
		return 0, err
	}
	out, err = run(ctx, t, ProcStatCommand, remote.Options{})
	if err != nil {
		return 0, err
	}
	second, err := ParseProcStat(out)
	if err != nil {
		return 0, err
	}
	return CPUUsage(first, second), nil
}
