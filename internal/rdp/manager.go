// Package rdp reads and changes the Remote Desktop configuration of a
// Windows host: the enable flag, the listening port with its firewall
// rule, and membership of the Remote Desktop Users group.
//
// Every write is followed by a re-read. A value that did not take effect
// is reported as remote.ErrVerificationFailed, since registry edits made
// without sufficient rights can silently do nothing.
package rdp

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ArthurPierce23/mtadmin/internal/logging"
	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

const (
	terminalServerKey = `HKLM:\System\CurrentControlSet\Control\Terminal Server`
	rdpTCPKey         = terminalServerKey + `\WinStations\RDP-Tcp`

	// FirewallGroup is the locale-independent resource id of the built-in
	// "Remote Desktop" firewall rule group.
	FirewallGroup = "@FirewallAPI.dll,-28752"

	// GroupSID is the well-known SID of the Remote Desktop Users group.
	GroupSID = "S-1-5-32-555"

	// groupAttr caches the resolved group name on the session.
	groupAttr = "rdp.group"

	MinPort = 1
	MaxPort = 65535
)

// Target is the part of a session the manager needs.
type Target interface {
	Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error)
	Host() remote.Host
	RecordAccessDenied()
	Remember(key, value string)
	Recall(key string) (string, bool)
}

// Config is a full read of the host's RDP settings.
type Config struct {
	Enabled bool
	Port    int
	Users   []string
}

// Diff reports what SetUsers changed.
type Diff struct {
	Added   []string
	Removed []string
}

// Manager changes RDP settings on one host.
type Manager struct {
	t          Target
	groupNames []string
	rulePrefix string
	logger     logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithGroupNames sets the localized group names probed before the SID.
func WithGroupNames(names []string) Option {
	return func(m *Manager) { m.groupNames = append([]string(nil), names...) }
}

// WithFirewallRulePrefix sets the display name prefix of per-port rules.
func WithFirewallRulePrefix(prefix string) Option {
	return func(m *Manager) { m.rulePrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

// New returns a manager for the host behind t.
func New(t Target, opts ...Option) *Manager {
	m := &Manager{
		t:          t,
		groupNames: []string{"Remote Desktop Users"},
		rulePrefix: "MTAdmin RDP",
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) host() string {
	return m.t.Host().Name
}

func (m *Manager) supported() error {
	if m.t.Host().OS != remote.OSWindows {
		return remote.ErrUnsupported
	}
	return nil
}

// ps runs a PowerShell script. A failed script is reported with its
// error text; a rights failure is recorded on the session.
func (m *Manager) ps(ctx context.Context, op, script string) (string, error) {
	res, err := m.t.Execute(ctx, script, remote.Options{Shell: remote.ShellPowerShell})
	if err != nil {
		return "", err
	}
	if !res.OK() {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		if remote.IsAccessDenied(msg) {
			m.t.RecordAccessDenied()
			return "", remote.ElevationError(op, m.host(), remote.ReasonPolicyDenied, msg)
		}
		return "", fmt.Errorf("%s on %s: %s", op, m.host(), msg)
	}
	return res.Stdout, nil
}

func (m *Manager) verificationError(op, format string, args ...any) error {
	return remote.NewError(remote.KindVerificationFailed, op, m.host(), fmt.Errorf(format, args...))
}

// IsEnabled reports whether the host accepts RDP connections.
func (m *Manager) IsEnabled(ctx context.Context) (bool, error) {
	if err := m.supported(); err != nil {
		return false, err
	}
	script := fmt.Sprintf("(Get-ItemProperty -Path %s -Name fDenyTSConnections -ErrorAction Stop).fDenyTSConnections",
		remote.QuotePS(terminalServerKey))
	out, err := m.ps(ctx, "rdp read enabled", script)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(out) {
	case "0":
		return true, nil
	case "1":
		return false, nil
	}
	return false, remote.ParseError("rdp read enabled", out, fmt.Errorf("unexpected fDenyTSConnections value"))
}

// SetEnabled flips the deny flag and the Remote Desktop firewall group.
func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	if err := m.supported(); err != nil {
		return err
	}
	deny, action := 1, "Disable"
	if enabled {
		deny, action = 0, "Enable"
	}
	script := fmt.Sprintf("Set-ItemProperty -Path %s -Name fDenyTSConnections -Value %d -ErrorAction Stop\n"+
		"%s-NetFirewallRule -Group %s -ErrorAction Stop",
		remote.QuotePS(terminalServerKey), deny, action, remote.QuotePS(FirewallGroup))
	if _, err := m.ps(ctx, "rdp set enabled", script); err != nil {
		return err
	}

	got, err := m.IsEnabled(ctx)
	if err != nil {
		return err
	}
	if got != enabled {
		return m.verificationError("rdp set enabled", "expected enabled=%t, read %t", enabled, got)
	}
	m.logger.Info("rdp enabled changed", logging.With(logging.Host(m.host()), "enabled", strconv.FormatBool(enabled)))
	return nil
}

// Port returns the RDP listening port.
func (m *Manager) Port(ctx context.Context) (int, error) {
	if err := m.supported(); err != nil {
		return 0, err
	}
	script := fmt.Sprintf("(Get-ItemProperty -Path %s -Name PortNumber -ErrorAction Stop).PortNumber",
		remote.QuotePS(rdpTCPKey))
	out, err := m.ps(ctx, "rdp read port", script)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, remote.ParseError("rdp read port", out, err)
	}
	return port, nil
}

// ValidatePort rejects ports outside 1..65535.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("rdp port %d out of range %d-%d", port, MinPort, MaxPort)
	}
	return nil
}

// SetPort changes the listening port and keeps exactly one inbound rule
// named "<prefix> TCP <port>". The change applies to new connections
// after the Remote Desktop service restarts.
func (m *Manager) SetPort(ctx context.Context, port int) error {
	if err := ValidatePort(port); err != nil {
		return err
	}
	if err := m.supported(); err != nil {
		return err
	}
	rule := fmt.Sprintf("%s TCP %d", m.rulePrefix, port)
	script := fmt.Sprintf(`Set-ItemProperty -Path %[1]s -Name PortNumber -Value %[2]d -Type DWord -ErrorAction Stop
$name = %[3]s
Get-NetFirewallRule -DisplayName %[4]s -ErrorAction SilentlyContinue | Where-Object { $_.DisplayName -ne $name } | Remove-NetFirewallRule
if (-not (Get-NetFirewallRule -DisplayName $name -ErrorAction SilentlyContinue)) {
  New-NetFirewallRule -DisplayName $name -Direction Inbound -Protocol TCP -LocalPort %[2]d -Action Allow -ErrorAction Stop | Out-Null
}`, remote.QuotePS(rdpTCPKey), port, remote.QuotePS(rule), remote.QuotePS(m.rulePrefix+" TCP *"))
	if _, err := m.ps(ctx, "rdp set port", script); err != nil {
		return err
	}

	got, err := m.Port(ctx)
	if err != nil {
		return err
	}
	if got != port {
		return m.verificationError("rdp set port", "expected port %d, read %d", port, got)
	}
	m.logger.Info("rdp port changed", logging.With(logging.Host(m.host()), "port", strconv.Itoa(port)))
	return nil
}

// Group returns the local name of the Remote Desktop Users group. The
// configured names are tried in order, then the well-known SID. The first
// hit is remembered on the session.
func (m *Manager) Group(ctx context.Context) (string, error) {
	if err := m.supported(); err != nil {
		return "", err
	}
	if name, ok := m.t.Recall(groupAttr); ok {
		return name, nil
	}
	for _, name := range m.groupNames {
		script := fmt.Sprintf("[bool](Get-LocalGroup -Name %s -ErrorAction SilentlyContinue)", remote.QuotePS(name))
		out, err := m.ps(ctx, "rdp probe group", script)
		if err != nil {
			if remote.IsTransportError(err) || ctx.Err() != nil {
				return "", err
			}
			continue
		}
		if strings.EqualFold(strings.TrimSpace(out), "True") {
			m.t.Remember(groupAttr, name)
			return name, nil
		}
	}

	script := fmt.Sprintf("(Get-LocalGroup -SID %s -ErrorAction Stop).Name", remote.QuotePS(GroupSID))
	out, err := m.ps(ctx, "rdp probe group", script)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(firstLine(out))
	if name == "" {
		return "", remote.ParseError("rdp probe group", out, fmt.Errorf("no group for %s", GroupSID))
	}
	m.logger.Debug("rdp group resolved by sid", logging.With(logging.Host(m.host()), "group", name))
	m.t.Remember(groupAttr, name)
	return name, nil
}

// Users lists members of the Remote Desktop Users group as bare account
// names, without a DOMAIN\ or HOST\ prefix.
func (m *Manager) Users(ctx context.Context) ([]string, error) {
	group, err := m.Group(ctx)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(`$g = [ADSI]("WinNT://$env:COMPUTERNAME/" + %s + ",group")
@($g.psbase.Invoke('Members')) | ForEach-Object { $_.GetType().InvokeMember('Name', 'GetProperty', $null, $_, $null) }`,
		remote.QuotePS(group))
	out, err := m.ps(ctx, "rdp list users", script)
	if err != nil {
		return nil, err
	}
	users := []string{}
	for _, line := range strings.Split(out, "\n") {
		if name := BareName(line); name != "" {
			users = append(users, name)
		}
	}
	return users, nil
}

// Membership failures that leave the group in the requested state.
var (
	alreadyMemberMarkers = []string{"already a member", "memberexists", "уже является членом"}
	notMemberMarkers     = []string{"was not found", "membernotfound", "не является членом", "не найден"}
)

// AddUser adds name to the group and confirms it is listed afterwards.
func (m *Manager) AddUser(ctx context.Context, name string) error {
	return m.changeMember(ctx, name, true)
}

// RemoveUser removes name from the group and confirms it is gone.
func (m *Manager) RemoveUser(ctx context.Context, name string) error {
	return m.changeMember(ctx, name, false)
}

func (m *Manager) changeMember(ctx context.Context, name string, add bool) error {
	if err := m.applyMember(ctx, name, add); err != nil {
		return err
	}
	users, err := m.Users(ctx)
	if err != nil {
		return err
	}
	present := containsUser(users, name)
	switch {
	case add && !present:
		return m.verificationError("rdp add user", "%s not listed after add", name)
	case !add && present:
		return m.verificationError("rdp remove user", "%s still listed after remove", name)
	}
	return nil
}

func (m *Manager) applyMember(ctx context.Context, name string, add bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("rdp: empty user name")
	}
	group, err := m.Group(ctx)
	if err != nil {
		return err
	}
	verb, op, tolerated := "Add", "rdp add user", alreadyMemberMarkers
	if !add {
		verb, op, tolerated = "Remove", "rdp remove user", notMemberMarkers
	}
	script := fmt.Sprintf("%s-LocalGroupMember -Group %s -Member %s -ErrorAction Stop",
		verb, remote.QuotePS(group), remote.QuotePS(name))
	_, err = m.ps(ctx, op, script)
	if err != nil && !hasMarker(err.Error(), tolerated) {
		return err
	}
	m.logger.Info(op, logging.With(logging.Host(m.host()), "user", name))
	return nil
}

// SetUsers makes the group membership equal to names. Only the
// difference is applied: missing names are added, extra members removed.
func (m *Manager) SetUsers(ctx context.Context, names []string) (Diff, error) {
	current, err := m.Users(ctx)
	if err != nil {
		return Diff{}, err
	}
	diff := DiffUsers(current, names)
	for _, name := range diff.Added {
		if err := m.applyMember(ctx, name, true); err != nil {
			return diff, err
		}
	}
	for _, name := range diff.Removed {
		if err := m.applyMember(ctx, name, false); err != nil {
			return diff, err
		}
	}

	after, err := m.Users(ctx)
	if err != nil {
		return diff, err
	}
	if d := DiffUsers(after, names); len(d.Added) > 0 || len(d.Removed) > 0 {
		return diff, m.verificationError("rdp set users", "membership differs after sync: missing %v, extra %v", d.Added, d.Removed)
	}
	return diff, nil
}

// Config reads the enable flag, port and members in one call.
func (m *Manager) Config(ctx context.Context) (Config, error) {
	enabled, err := m.IsEnabled(ctx)
	if err != nil {
		return Config{}, err
	}
	port, err := m.Port(ctx)
	if err != nil {
		return Config{}, err
	}
	users, err := m.Users(ctx)
	if err != nil {
		return Config{}, err
	}
	return Config{Enabled: enabled, Port: port, Users: users}, nil
}

// DiffUsers compares current membership with the wanted list. Names match
// case-insensitively on their bare form. Added keeps wanted's spelling;
// Removed keeps current's. Both are sorted.
func DiffUsers(current, wanted []string) Diff {
	have := make(map[string]string, len(current))
	for _, u := range current {
		if b := BareName(u); b != "" {
			have[strings.ToLower(b)] = u
		}
	}
	want := make(map[string]string, len(wanted))
	for _, u := range wanted {
		if b := BareName(u); b != "" {
			want[strings.ToLower(b)] = strings.TrimSpace(u)
		}
	}

	var d Diff
	for k, u := range want {
		if _, ok := have[k]; !ok {
			d.Added = append(d.Added, u)
		}
	}
	for k, u := range have {
		if _, ok := want[k]; !ok {
			d.Removed = append(d.Removed, u)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

// BareName strips a DOMAIN\ or HOST\ prefix and surrounding space.
func BareName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}

func containsUser(users []string, name string) bool {
	want := BareName(name)
	for _, u := range users {
		if strings.EqualFold(BareName(u), want) {
			return true
		}
	}
	return false
}

func hasMarker(msg string, markers []string) bool {
	lower := strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
