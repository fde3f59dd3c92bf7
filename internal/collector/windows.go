package collector

import (
	"context"
	"strings"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// windowsSystemScript gathers every snapshot field in one round trip.
// Each section runs in its own try block and records its failure under
// errors, so one missing class does not void the rest.
const windowsSystemScript = `
$r = [ordered]@{ errors = @{} }
try {
  $cpu = @(Get-CimInstance Win32_Processor -ErrorAction Stop)
  $r.cpuLoad = [int][math]::Round(($cpu | Measure-Object -Property LoadPercentage -Average).Average)
  $r.cores = [int](($cpu | Measure-Object -Property NumberOfLogicalProcessors -Sum).Sum)
  $r.cpuModel = ($cpu[0].Name).Trim()
} catch { $r.errors.cpu = $_.Exception.Message }
try {
  $os = Get-CimInstance Win32_OperatingSystem -ErrorAction Stop
  $r.memTotalKB = [int64]$os.TotalVisibleMemorySize
  $r.memFreeKB = [int64]$os.FreePhysicalMemory
  $r.uptimeSeconds = [int64]((Get-Date) - $os.LastBootUpTime).TotalSeconds
} catch { $r.errors.memory = $_.Exception.Message }
try {
  $r.disks = @(Get-CimInstance Win32_LogicalDisk -Filter 'DriveType=3' -ErrorAction Stop |
    ForEach-Object { [pscustomobject]@{ mount = $_.DeviceID; size = [int64]$_.Size; free = [int64]$_.FreeSpace } })
} catch { $r.errors.disks = $_.Exception.Message }
try {
  $r.board = (Get-CimInstance Win32_BaseBoard -ErrorAction Stop).Product
} catch { $r.errors.motherboard = $_.Exception.Message }
try {
  $r.macs = [string[]]@(Get-CimInstance Win32_NetworkAdapterConfiguration -Filter 'IPEnabled=True' -ErrorAction Stop |
    Where-Object { $_.MACAddress } | ForEach-Object { $_.MACAddress })
} catch { $r.errors.mac = $_.Exception.Message }
ConvertTo-Json -Compress -Depth 4 -InputObject $r
`

type windowsSystem struct {
	CPULoad       *int              `json:"cpuLoad"`
	Cores         *int              `json:"cores"`
	CPUModel      *string           `json:"cpuModel"`
	MemTotalKB    *int64            `json:"memTotalKB"`
	MemFreeKB     *int64            `json:"memFreeKB"`
	UptimeSeconds *int64            `json:"uptimeSeconds"`
	Disks         []windowsDisk     `json:"disks"`
	Board         *string           `json:"board"`
	MACs          flexStrings       `json:"macs"`
	Errors        map[string]string `json:"errors"`
}

type windowsDisk struct {
	Mount string `json:"mount"`
	Size  int64  `json:"size"`
	Free  int64  `json:"free"`
}

// ParseWindowsSystem decodes the output of the Windows system script.
// Fields the host could not supply stay nil and carry a note in Errors.
func ParseWindowsSystem(out string) (SystemSnapshot, error) {
	var raw windowsSystem
	if err := decodeJSON(out, &raw); err != nil {
		return SystemSnapshot{}, remote.ParseError("windows system info", out, err)
	}

	snap := SystemSnapshot{Errors: make(map[string]string)}
	for field, msg := range raw.Errors {
		if remote.IsAccessDenied(msg) {
			msg = ElevationRequired
		}
		snap.Errors[field] = strings.TrimSpace(msg)
	}

	snap.CPUPercent = raw.CPULoad
	snap.Cores = raw.Cores
	if raw.CPUModel != nil && *raw.CPUModel != "" {
		snap.CPUModel = raw.CPUModel
	}

	if raw.MemTotalKB != nil && raw.MemFreeKB != nil && *raw.MemTotalKB > 0 {
		total := float64(*raw.MemTotalKB)
		used := total - float64(min(*raw.MemFreeKB, *raw.MemTotalKB))
		const kbPerGB = 1 << 20
		snap.RAMTotalGB = ptr(round(total/kbPerGB, 2))
		snap.RAMUsedGB = ptr(round(used/kbPerGB, 2))
		snap.RAMPercent = ptr(round(100*used/total, 1))
	}
	if raw.UptimeSeconds != nil {
		snap.Uptime = ptr(time.Duration(*raw.UptimeSeconds) * time.Second)
	}

	for _, d := range raw.Disks {
		if d.Size <= 0 {
			continue
		}
		snap.Disks = append(snap.Disks, Disk{
			Mount:       d.Mount,
			TotalGB:     round(float64(d.Size)/bytesPerGB, 2),
			FreeGB:      round(float64(d.Free)/bytesPerGB, 2),
			UsedPercent: round(100*float64(d.Size-d.Free)/float64(d.Size), 1),
		})
	}

	if raw.Board != nil {
		if b := strings.TrimSpace(*raw.Board); b != "" {
			snap.Motherboard = ptr(b)
		}
	}
	if snap.Motherboard == nil && snap.Errors[FieldMotherboard] == "" {
		snap.Errors[FieldMotherboard] = errEmptyValue.Error()
	}

	for _, mac := range raw.MACs {
		snap.MACs = append(snap.MACs, strings.ToLower(strings.ReplaceAll(mac, "-", ":")))
	}
	if len(snap.MACs) > 0 {
		snap.MAC = ptr(snap.MACs[0])
	}
	return snap, nil
}

func windowsSystemInfo(ctx context.Context, t Target) remote.Outcome[SystemSnapshot] {
	res, err := t.Execute(ctx, windowsSystemScript, remote.Options{Shell: remote.ShellPowerShell})
	if err != nil {
		return remote.Failed[SystemSnapshot](err)
	}
	snap, err := ParseWindowsSystem(res.Stdout)
	if err != nil {
		return remote.Failed[SystemSnapshot](err)
	}
	for _, msg := range snap.Errors {
		if msg == ElevationRequired {
			t.RecordAccessDenied()
			break
		}
	}
	return remote.Ok(snap)
}
