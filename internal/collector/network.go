package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// NetworkInterface is a named interface with its IPv4 addresses in the
// order the host lists them.
type NetworkInterface struct {
	Name      string
	Addresses []string
}

var (
	ifaceHeaderRe = regexp.MustCompile(`^\d+:\s+(\S+):`)
	inetRe        = regexp.MustCompile(`^\s*inet\s+(\d{1,3}(?:\.\d{1,3}){3})`)
)

// ParseIPAddr parses `ip addr show`. A numbered header line starts an
// interface; inet lines that follow add addresses to it.
func ParseIPAddr(out string) []NetworkInterface {
	var ifaces []NetworkInterface
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if m := ifaceHeaderRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			// Veth pairs print as name@peer.
			if i := strings.IndexByte(name, '@'); i > 0 {
				name = name[:i]
			}
			ifaces = append(ifaces, NetworkInterface{Name: name, Addresses: []string{}})
			continue
		}
		if len(ifaces) == 0 {
			continue
		}
		if m := inetRe.FindStringSubmatch(line); m != nil {
			cur := &ifaces[len(ifaces)-1]
			cur.Addresses = append(cur.Addresses, m[1])
		}
	}
	return ifaces
}

// windowsNetworkScript lists IPv4 addresses grouped by interface alias.
const windowsNetworkScript = `
$rows = Get-NetIPAddress -AddressFamily IPv4 -ErrorAction Stop |
  Sort-Object InterfaceIndex |
  Group-Object InterfaceAlias |
  ForEach-Object { [pscustomobject]@{ Name = $_.Name; Addresses = [string[]]@($_.Group | ForEach-Object { $_.IPAddress }) } }
ConvertTo-Json -Compress -Depth 3 -InputObject @($rows)
`

type windowsInterface struct {
	Name      string      `json:"Name"`
	Addresses flexStrings `json:"Addresses"`
}

// ParseWindowsInterfaces decodes the output of the Windows network script.
func ParseWindowsInterfaces(out string) ([]NetworkInterface, error) {
	var rows []windowsInterface
	if err := decodeJSON(out, &rows); err != nil {
		return nil, remote.ParseError("windows interfaces", out, err)
	}
	ifaces := make([]NetworkInterface, 0, len(rows))
	for _, r := range rows {
		addrs := []string(r.Addresses)
		if addrs == nil {
			addrs = []string{}
		}
		ifaces = append(ifaces, NetworkInterface{Name: r.Name, Addresses: addrs})
	}
	return ifaces, nil
}

// Interfaces lists network interfaces and their IPv4 addresses.
func Interfaces(ctx context.Context, t Target) remote.Outcome[[]NetworkInterface] {
	switch t.Host().OS {
	case remote.OSLinux:
		out, err := run(ctx, t, IPAddrCommand, remote.Options{})
		if err != nil {
			return remote.Failed[[]NetworkInterface](err)
		}
		return remote.Ok(ParseIPAddr(out))
	case remote.OSWindows:
		out, err := run(ctx, t, windowsNetworkScript, remote.Options{Shell: remote.ShellPowerShell})
		if err != nil {
			return remote.Failed[[]NetworkInterface](err)
		}
		ifaces, err := ParseWindowsInterfaces(out)
		if err != nil {
			return remote.Failed[[]NetworkInterface](err)
		}
		return remote.Ok(ifaces)
	}
	return remote.Unsupported[[]NetworkInterface]()
}

// flexStrings accepts a JSON string, array of strings or null. PowerShell
// collapses single-element arrays unless told otherwise.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexStrings{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err != nil {
		return err
	}
	*f = ss
	return nil
}

// decodeJSON decodes PowerShell JSON output. A lone object is accepted
// where an array is expected, and leading noise before the first bracket
// is ignored.
func decodeJSON(out string, v any) error {
	out = strings.TrimSpace(strings.TrimPrefix(out, "\ufeff"))
	start := strings.IndexAny(out, "[{")
	if start < 0 {
		return errors.New("no JSON in output")
	}
	data := []byte(out[start:])
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if data[0] == '{' && errors.As(err, &typeErr) {
		wrapped := append(append([]byte("["), data...), ']')
		return json.Unmarshal(wrapped, v)
	}
	return err
}
