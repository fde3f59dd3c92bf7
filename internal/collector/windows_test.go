package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

func TestParseWindowsSystem(t *testing.T) {
	out := `{"errors":{},"cpuLoad":17,"cores":8,"cpuModel":"Intel(R) Core(TM) i7-9700 CPU @ 3.00GHz",` +
		`"memTotalKB":16777216,"memFreeKB":4194304,"uptimeSeconds":90061,` +
		`"disks":[{"mount":"C:","size":536870912000,"free":268435456000},{"mount":"D:","size":0,"free":0}],` +
		`"board":" PRIME Z390-A ","macs":"00-1A-2B-3C-4D-5E"}`

	snap, err := ParseWindowsSystem(out)
	require.NoError(t, err)

	assert.Equal(t, 17, *snap.CPUPercent)
	assert.Equal(t, 8, *snap.Cores)
	assert.Equal(t, 16.0, *snap.RAMTotalGB)
	assert.Equal(t, 12.0, *snap.RAMUsedGB)
	assert.Equal(t, 75.0, *snap.RAMPercent)
	assert.Equal(t, 25*time.Hour+time.Minute+time.Second, *snap.Uptime)
	assert.Equal(t, []Disk{{Mount: "C:", TotalGB: 500, FreeGB: 250, UsedPercent: 50}}, snap.Disks)
	assert.Equal(t, "PRIME Z390-A", *snap.Motherboard)
	assert.Equal(t, "00:1a:2b:3c:4d:5e", *snap.MAC)
	assert.Empty(t, snap.Errors)
}

func TestParseWindowsSystem_SectionErrors(t *testing.T) {
	out := `{"errors":{"cpu":"Invalid class","motherboard":"Access is denied. "},"memTotalKB":1048576,"memFreeKB":0}`

	snap, err := ParseWindowsSystem(out)
	require.NoError(t, err)
	assert.Nil(t, snap.CPUPercent)
	assert.Nil(t, snap.Motherboard)
	assert.Equal(t, "Invalid class", snap.Errors[FieldCPU])
	assert.Equal(t, ElevationRequired, snap.Errors[FieldMotherboard])
	assert.Equal(t, 100.0, *snap.RAMPercent)
}

func TestSystemInfo_WindowsRecordsDenied(t *testing.T) {
	tgt := newTarget(remote.OSWindows)
	tgt.On("Win32_Processor", `{"errors":{"motherboard":"Access denied"},"cores":2}`)

	snap, err := SystemInfo(context.Background(), tgt, SystemOptions{}).Get()
	require.NoError(t, err)
	assert.Equal(t, 2, *snap.Cores)
	assert.Equal(t, int32(1), tgt.denied.Load())
}

func TestSystemInfo_WindowsGarbage(t *testing.T) {
	tgt := newTarget(remote.OSWindows)
	tgt.On("Win32_Processor", "powershell.exe : not recognized")

	out := SystemInfo(context.Background(), tgt, SystemOptions{})
	assert.Equal(t, remote.StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, remote.ErrParseFailed)
}
