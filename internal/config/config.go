// Package config loads the operator configuration from config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// FileName is the TOML config file inside the config directory.
const FileName = "config.toml"

// HomeEnv overrides the config directory.
const HomeEnv = "MTADMIN_HOME"

// Config represents operator configuration in TOML format
type Config struct {
	// LogLevel is one of debug, info, warn, error (default: info)
	LogLevel string `toml:"log_level"`

	Timeouts  TimeoutSettings   `toml:"timeouts"`
	SSH       SSHSettings       `toml:"ssh"`
	WinRM     WinRMSettings     `toml:"winrm"`
	PsExec    PsExecSettings    `toml:"psexec"`
	Collector CollectorSettings `toml:"collector"`
	RDP       RDPSettings       `toml:"rdp"`
	Refresh   RefreshSettings   `toml:"refresh"`

	// Hosts is the inventory, keyed by a short host id
	Hosts map[string]HostDef `toml:"hosts"`
}

// TimeoutSettings bounds network operations
type TimeoutSettings struct {
	// ConnectSeconds bounds dial + authentication (default: 10)
	ConnectSeconds int `toml:"connect_seconds"`
	// CommandSeconds bounds a single remote command (default: 15)
	CommandSeconds int `toml:"command_seconds"`
}

// SSHSettings configures the SSH backend
type SSHSettings struct {
	// KnownHostsFile is where accepted host keys are stored
	// Default: ~/.mtadmin/known_hosts
	KnownHostsFile string `toml:"known_hosts_file"`
	// Port is the default SSH port (default: 22)
	Port int `toml:"port"`
}

// WinRMSettings configures the WinRM backend
type WinRMSettings struct {
	// Port defaults to 5985, or 5986 when HTTPS is set
	Port     int  `toml:"port"`
	HTTPS    bool `toml:"https"`
	Insecure bool `toml:"insecure"`
}

// PsExecSettings configures the PsExec-style backend
type PsExecSettings struct {
	// Binary is the psexec tool to run (default: "psexec.py")
	Binary string `toml:"binary"`
	// Flavor is "impacket" or "sysinternals" (default: impacket)
	Flavor string `toml:"flavor"`
}

// CollectorSettings tunes the fact collectors
type CollectorSettings struct {
	// CPUSampleMillis is the delay between the two /proc/stat reads (default: 500)
	CPUSampleMillis int `toml:"cpu_sample_millis"`
	// IgnoredAccounts extends the built-in list of service accounts hidden
	// from the active sessions view
	IgnoredAccounts []string `toml:"ignored_accounts"`
}

// RDPSettings configures the RDP manager
type RDPSettings struct {
	// GroupNames are probed in order to find the Remote Desktop Users group
	GroupNames []string `toml:"group_names"`
	// FirewallRulePrefix names the per-port inbound rules (default: "MTAdmin RDP")
	FirewallRulePrefix string `toml:"firewall_rule_prefix"`
}

// RefreshSettings configures background refreshes
type RefreshSettings struct {
	// IntervalSeconds between automatic refreshes (default: 10)
	IntervalSeconds int `toml:"interval_seconds"`
}

// HostDef defines one inventory entry
type HostDef struct {
	// Host is the hostname or IP address
	Host string `toml:"host"`
	// OS is "linux" or "windows"
	OS string `toml:"os"`
	// Backend forces a transport: ssh, winrm, psexec, local
	Backend string `toml:"backend"`
	Port    int    `toml:"port"`
	User    string `toml:"user"`
	Domain  string `toml:"domain"`
	// IdentityFile is an SSH private key; supports ~ expansion
	IdentityFile string `toml:"identity_file"`
	Description  string `toml:"description"`
}

// DefaultRDPGroupNames lists the localized names of the built-in Remote
// Desktop Users group.
var DefaultRDPGroupNames = []string{
	"Remote Desktop Users",
	"Пользователи удаленного рабочего стола",
	"Remotedesktopbenutzer",
	"Utilisateurs du Bureau à distance",
	"Usuarios de escritorio remoto",
}

var defaultConfig = Config{
	Hosts: make(map[string]HostDef),
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Dir returns the config directory.
func Dir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".mtadmin"), nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load loads the configuration from the TOML file.
// Returns the cached config after first load.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = &defaultConfig
		return cache, nil
	}
	cfg, err := LoadFile(path)
	if err != nil {
		// Still cache the default to prevent repeated parse attempts
		cache = &defaultConfig
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload forces a reload of the config file.
func Reload() (*Config, error) {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
	return Load()
}

// LoadFile parses a config file without touching the cache. A missing
// file yields the default config.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultConfig
		cfg.Hosts = make(map[string]HostDef)
		return &cfg, nil
	}
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]HostDef)
	}
	return &cfg, nil
}

// Parse decodes config text.
func Parse(text string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("config.toml parse error: %w", err)
	}
	if cfg.Hosts == nil {
		cfg.Hosts = make(map[string]HostDef)
	}
	return &cfg, nil
}

// ConnectTimeout returns the dial timeout with defaults applied.
func (c *Config) ConnectTimeout() time.Duration {
	if c.Timeouts.ConnectSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Timeouts.ConnectSeconds) * time.Second
}

// CommandTimeout returns the per-command timeout with defaults applied.
func (c *Config) CommandTimeout() time.Duration {
	if c.Timeouts.CommandSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Timeouts.CommandSeconds) * time.Second
}

// KnownHostsFile returns the known_hosts path with defaults applied.
func (c *Config) KnownHostsFile() string {
	if c.SSH.KnownHostsFile != "" {
		return expandPath(c.SSH.KnownHostsFile)
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "known_hosts")
}

// SSHPort returns the default SSH port.
func (c *Config) SSHPort() int {
	if c.SSH.Port <= 0 {
		return 22
	}
	return c.SSH.Port
}

// WinRMPort returns the WinRM port with defaults applied.
func (c *Config) WinRMPort() int {
	if c.WinRM.Port > 0 {
		return c.WinRM.Port
	}
	if c.WinRM.HTTPS {
		return 5986
	}
	return 5985
}

// PsExecBinary returns the psexec tool with defaults applied.
func (c *Config) PsExecBinary() string {
	if c.PsExec.Binary == "" {
		return "psexec.py"
	}
	return expandPath(c.PsExec.Binary)
}

// PsExecFlavor returns the psexec tool flavor with defaults applied.
func (c *Config) PsExecFlavor() string {
	if strings.EqualFold(c.PsExec.Flavor, "sysinternals") {
		return "sysinternals"
	}
	return "impacket"
}

// CPUSampleInterval returns the delay between /proc/stat samples.
func (c *Config) CPUSampleInterval() time.Duration {
	if c.Collector.CPUSampleMillis <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Collector.CPUSampleMillis) * time.Millisecond
}

// RDPGroupNames returns the probe order for the RDP users group.
func (c *Config) RDPGroupNames() []string {
	if len(c.RDP.GroupNames) == 0 {
		return append([]string(nil), DefaultRDPGroupNames...)
	}
	return append([]string(nil), c.RDP.GroupNames...)
}

// FirewallRulePrefix returns the display-name prefix for RDP port rules.
func (c *Config) FirewallRulePrefix() string {
	if c.RDP.FirewallRulePrefix == "" {
		return "MTAdmin RDP"
	}
	return c.RDP.FirewallRulePrefix
}

// RefreshInterval returns the automatic refresh period.
func (c *Config) RefreshInterval() time.Duration {
	if c.Refresh.IntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Refresh.IntervalSeconds) * time.Second
}

// HostIDs returns the inventory ids in sorted order.
func (c *Config) HostIDs() []string {
	ids := make([]string, 0, len(c.Hosts))
	for id := range c.Hosts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve looks up an inventory id, falling back to treating name as a
// literal hostname. The returned credentials carry only the username,
// domain and identity file; passwords are never stored.
func (c *Config) Resolve(name string) (remote.Host, remote.Credentials, error) {
	def, ok := c.Hosts[name]
	if !ok {
		return remote.Host{Name: name}, remote.Credentials{}, nil
	}
	backend, err := remote.ParseBackend(def.Backend)
	if err != nil {
		return remote.Host{}, remote.Credentials{}, fmt.Errorf("hosts.%s: %w", name, err)
	}
	hostname := def.Host
	if hostname == "" {
		hostname = name
	}
	host := remote.Host{
		Name:    hostname,
		OS:      remote.ParseOSKind(def.OS),
		Backend: backend,
		Port:    def.Port,
	}
	creds := remote.Credentials{
		Username:     def.User,
		Domain:       def.Domain,
		IdentityFile: expandPath(def.IdentityFile),
	}
	return host, creds, nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
