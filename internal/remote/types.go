// Package remote holds the types shared by every transport backend and
// every consumer of a remote session: hosts, credentials, command results,
// the error taxonomy and the Outcome variant returned by collectors.
package remote

import (
	"fmt"
	"strings"
)

// OSKind is the operating system family of a remote host.
type OSKind int

const (
	OSUnknown OSKind = iota
	OSLinux
	OSWindows
)

func (k OSKind) String() string {
	switch k {
	case OSLinux:
		return "linux"
	case OSWindows:
		return "windows"
	default:
		return "unknown"
	}
}

// ParseOSKind maps a config or CLI value to an OSKind. Unrecognized values
// map to OSUnknown.
func ParseOSKind(s string) OSKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "linux", "unix":
		return OSLinux
	case "windows", "win":
		return OSWindows
	default:
		return OSUnknown
	}
}

// Backend names a transport implementation.
type Backend string

const (
	BackendAuto   Backend = ""
	BackendSSH    Backend = "ssh"
	BackendWinRM  Backend = "winrm"
	BackendPsExec Backend = "psexec"
	BackendLocal  Backend = "local"
)

// ParseBackend validates a backend name. The empty string selects the
// backend from the host OS.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case BackendAuto, BackendSSH, BackendWinRM, BackendPsExec, BackendLocal:
		return b, nil
	}
	return BackendAuto, fmt.Errorf("unknown backend %q", s)
}

// Host identifies a remote machine. The OS kind and reachability are
// supplied by the caller's network probe and stay fixed for the lifetime
// of a session.
type Host struct {
	Name        string
	OS          OSKind
	Backend     Backend
	Port        int
	Unreachable bool
}

// Key is the registry identity of the host.
func (h Host) Key() string {
	return HostKey(h.Name)
}

// IsLocal reports whether the host names the machine the core runs on.
func (h Host) IsLocal() bool {
	if h.Backend == BackendLocal {
		return true
	}
	switch h.Key() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HostKey normalizes a host name for map lookups.
func HostKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Credentials are held in memory only.
type Credentials struct {
	Username     string
	Password     string
	Domain       string
	IdentityFile string

	ElevatedUsername string
	ElevatedPassword string
}

// HasElevation reports whether elevated credentials were supplied.
func (c Credentials) HasElevation() bool {
	return c.ElevatedUsername != "" || c.ElevatedPassword != ""
}

// QualifiedUser returns DOMAIN\user when a domain is set.
func (c Credentials) QualifiedUser() string {
	if c.Domain == "" {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// String never includes secrets.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{user=%q elevated=%t}", c.QualifiedUser(), c.HasElevation())
}

// GoString keeps %#v from leaking passwords.
func (c Credentials) GoString() string {
	return c.String()
}

// ElevationState tracks whether a session holds elevated rights.
type ElevationState int

const (
	ElevationNotAttempted ElevationState = iota
	ElevationGranted
	ElevationDenied
)

func (s ElevationState) String() string {
	switch s {
	case ElevationGranted:
		return "granted"
	case ElevationDenied:
		return "denied"
	default:
		return "not-attempted"
	}
}

// ElevationReason explains a denied (or not yet attempted) elevation.
type ElevationReason int

const (
	ReasonNone ElevationReason = iota
	ReasonNotAttempted
	ReasonNoPassword
	ReasonWrongPassword
	ReasonTerminalRequired
	ReasonPolicyDenied
	ReasonUnrecognized
)

func (r ElevationReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNotAttempted:
		return "elevation not attempted"
	case ReasonNoPassword:
		return "no password provided"
	case ReasonWrongPassword:
		return "wrong password"
	case ReasonTerminalRequired:
		return "terminal required"
	case ReasonPolicyDenied:
		return "denied by policy"
	default:
		return "unrecognized response"
	}
}
