package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

const psAuxSample = `USER         PID %CPU %MEM    VSZ   RSS TTY      STAT START   TIME COMMAND
root           1  0.0  0.1 168000 11800 ?        Ss   Oct01   0:09 /sbin/init splash
www-data    812 12.5  2.3 250000 90000 ?        S    10:02   1:14 nginx: worker process
broken row
alice      1401  3.0  0.5  20000  4000 pts/0    R+   10:15   0:00 ps aux --sort=-%cpu
`

func TestParsePSAux(t *testing.T) {
	procs, err := ParsePSAux(psAuxSample)
	require.NoError(t, err)
	require.Len(t, procs, 3, "header skipped and short row dropped")

	assert.Equal(t, ProcessRecord{
		PID: 812, User: "www-data", CPUPercent: 12.5, MemPercent: 2.3,
		StartTime: "10:02", Command: "nginx: worker process",
	}, procs[1])
	assert.Equal(t, "/sbin/init splash", procs[0].Command)
	assert.Nil(t, procs[0].PPID)
}

func TestParsePSAux_BadPID(t *testing.T) {
	_, err := ParsePSAux("USER PID\nroot x 0.0 0.1 1 1 ? Ss Oct01 0:09 /sbin/init\n")
	assert.ErrorIs(t, err, remote.ErrParseFailed)
}

func TestProcesses_LinuxAttachesParents(t *testing.T) {
	tgt := newTarget(remote.OSLinux)
	tgt.On(PSAuxCommand, psAuxSample)
	tgt.On(PPIDCommand, "    1     0\n  812     1\n garbage\n")

	procs, err := Processes(context.Background(), tgt).Get()
	require.NoError(t, err)
	require.Len(t, procs, 3)
	assert.Equal(t, 0, *procs[0].PPID)
	assert.Equal(t, 1, *procs[1].PPID)
	assert.Nil(t, procs[2].PPID)
}

func TestProcesses_PPIDFailureIsAdvisory(t *testing.T) {
	tgt := newTarget(remote.OSLinux)
	tgt.On(PSAuxCommand, psAuxSample)
	tgt.OnResult(PPIDCommand, remote.Result{Stderr: "ps: unknown option", ExitCode: 1})

	procs, err := Processes(context.Background(), tgt).Get()
	require.NoError(t, err)
	assert.Len(t, procs, 3)
}

func pid(n int) *int { return &n }

func TestBuildTree_OrphansAndSelfParents(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 1, PPID: pid(0)},
		{PID: 10, PPID: pid(1)},
		{PID: 11, PPID: pid(1)},
		{PID: 20, PPID: pid(999)}, // parent not listed
		{PID: 30, PPID: pid(30)},
		{PID: 40},
	}
	roots := BuildTree(procs)

	var rootPIDs []int
	for _, r := range roots {
		rootPIDs = append(rootPIDs, r.Process.PID)
	}
	assert.Equal(t, []int{1, 20, 30, 40}, rootPIDs)
	require.Len(t, roots[0].Children, 2)
	assert.Equal(t, 10, roots[0].Children[0].Process.PID)
	assert.Equal(t, 11, roots[0].Children[1].Process.PID)
}

func TestBuildTree_CycleIsBroken(t *testing.T) {
	procs := []ProcessRecord{
		{PID: 5, PPID: pid(6)},
		{PID: 6, PPID: pid(5)},
		{PID: 7, PPID: pid(6)},
	}
	roots := BuildTree(procs)

	require.Len(t, roots, 1)
	assert.Equal(t, 5, roots[0].Process.PID)
	require.Len(t, roots[0].Children, 1)
	six := roots[0].Children[0]
	assert.Equal(t, 6, six.Process.PID)
	require.Len(t, six.Children, 1, "6 no longer lists 5 as a child")
	assert.Equal(t, 7, six.Children[0].Process.PID)
}

func TestParseWindowsProcesses(t *testing.T) {
	out := "\ufeff" + `[{"Pid":4,"ParentPid":0,"User":"","Cpu":0.5,"Mem":0.1,"Start":"","Command":"System"},` +
		`{"Pid":1200,"ParentPid":600,"User":"CORP\\alice","Cpu":22.4,"Mem":3.2,"Start":"2024-05-01 09:00:00","Command":"\"C:\\Program Files\\app.exe\" -x"}]`

	procs, err := ParseWindowsProcesses(out)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, 1200, procs[0].PID, "sorted by cpu")
	assert.Equal(t, `CORP\alice`, procs[0].User)
	assert.Equal(t, 600, *procs[0].PPID)
	assert.Equal(t, `"C:\Program Files\app.exe" -x`, procs[0].Command)
}

func TestParseWindowsProcesses_SingleObject(t *testing.T) {
	procs, err := ParseWindowsProcesses(`{"Pid":4,"ParentPid":0,"Cpu":0,"Mem":0,"Command":"System"}`)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "System", procs[0].Command)
}

func TestKillProcess(t *testing.T) {
	ctx := context.Background()

	linux := newTarget(remote.OSLinux)
	linux.elevated = true
	linux.On("kill", "")
	require.NoError(t, KillProcess(ctx, linux, 812, true))
	calls := linux.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "kill -KILL 812", calls[0].Command)
	assert.True(t, calls[0].Opts.Elevated)

	win := newTarget(remote.OSWindows)
	win.On("taskkill", "SUCCESS")
	require.NoError(t, KillProcess(ctx, win, 1200, false))
	assert.Equal(t, []string{"taskkill /PID 1200"}, win.Commands())
}

func TestKillProcess_Denied(t *testing.T) {
	tgt := newTarget(remote.OSLinux)
	tgt.OnResult("kill", remote.Result{Stderr: "kill: (1) - Operation not permitted", ExitCode: 1})

	err := KillProcess(context.Background(), tgt, 1, false)
	assert.ErrorIs(t, err, remote.ErrElevationDenied)
	assert.Equal(t, int32(1), tgt.denied.Load())

	assert.Error(t, KillProcess(context.Background(), tgt, 0, false))
}
