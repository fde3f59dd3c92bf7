package collector

import (
	"bufio"
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// LogonType classifies how a user is logged on.
type LogonType string

const (
	LogonLocal  LogonType = "Local"
	LogonRDP    LogonType = "RDP"
	LogonRemote LogonType = "Remote"
)

// ActiveUserSession is one logged-on user.
type ActiveUserSession struct {
	Username    string
	LogonType   LogonType
	Status      string
	SessionName string
	SessionID   string
	// LogonTime is the tool's own text; its format follows the host locale.
	LogonTime *string
}

// DefaultIgnoredAccounts are service and system identities hidden from
// the active sessions view. Entries ending in '-' match as prefixes.
var DefaultIgnoredAccounts = []string{
	"system",
	"local service",
	"network service",
	"services",
	"console",
	"rdp-tcp",
	"65536",
	"dwm-",
	"umfd-",
}

// Canonical session table columns.
const (
	colUser    = "user"
	colSession = "session"
	colID      = "id"
	colState   = "state"
	colType    = "type"
	colDevice  = "device"
	colIdle    = "idle"
	colLogon   = "logon"
)

// headerAliases maps localized header words to canonical columns.
// Multi-word headers are listed so they can be merged before lookup.
var headerAliases = map[string]string{
	"USERNAME":     colUser,
	"ПОЛЬЗОВАТЕЛЬ": colUser,
	"SESSIONNAME":  colSession,
	"СЕАНС":        colSession,
	"ID":           colID,
	"STATE":        colState,
	"СТАТУС":       colState,
	"TYPE":         colType,
	"ТИП":          colType,
	"DEVICE":       colDevice,
	"УСТР-ВО":      colDevice,
	"IDLE TIME":    colIdle,
	"БЕЗДЕЙСТВ.":   colIdle,
	"LOGON TIME":   colLogon,
	"ВРЕМЯ ВХОДА":  colLogon,
}

// headerPairs are the multi-word headers, keyed by their first word.
var headerPairs = map[string]string{
	"IDLE":  "TIME",
	"LOGON": "TIME",
	"ВРЕМЯ": "ВХОДА",
}

type column struct {
	name  string
	start int // rune offset
}

type headerWord struct {
	text  string
	start int
}

// headerWords splits a header line into words with their rune offsets.
// A column starts at the first non-space rune after a run of spaces.
func headerWords(line string) []headerWord {
	var words []headerWord
	runes := []rune(line)
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		start := i
		for i < len(runes) && !unicode.IsSpace(runes[i]) {
			i++
		}
		words = append(words, headerWord{text: string(runes[start:i]), start: start})
	}
	return words
}

// parseHeader maps a session table header to column positions. ok is
// false when no username column is found.
func parseHeader(line string) ([]column, bool) {
	words := headerWords(line)
	var cols []column
	hasUser := false
	for i := 0; i < len(words); i++ {
		w := words[i]
		text := strings.ToUpper(w.text)
		if next, ok := headerPairs[text]; ok && i+1 < len(words) && strings.ToUpper(words[i+1].text) == next {
			text += " " + next
			i++
		}
		name, ok := headerAliases[text]
		if !ok {
			// Unknown header: keep the boundary so neighbours slice correctly.
			name = "?" + text
		}
		if name == colUser {
			hasUser = true
		}
		cols = append(cols, column{name: name, start: w.start})
	}
	return cols, hasUser
}

// sliceRow cuts a data line at the header's column starts.
func sliceRow(line string, cols []column) map[string]string {
	runes := []rune(line)
	row := make(map[string]string, len(cols))
	for i, c := range cols {
		if c.start >= len(runes) {
			break
		}
		end := len(runes)
		if i+1 < len(cols) && cols[i+1].start < end {
			end = cols[i+1].start
		}
		row[c.name] = strings.TrimSpace(string(runes[c.start:end]))
	}
	return row
}

// ParseSessionTable parses quser or qwinsta output. Column positions come
// from the header, which may be English or Russian. Accounts matching
// ignored (plus the defaults) and numeric usernames are dropped.
func ParseSessionTable(out string, ignored []string) ([]ActiveUserSession, error) {
	sc := bufio.NewScanner(strings.NewReader(out))
	var cols []column
	var sessions []ActiveUserSession
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if cols == nil {
			c, ok := parseHeader(line)
			if !ok {
				return nil, remote.ParseError("session table", line, errNoUserColumn)
			}
			cols = c
			continue
		}

		// quser marks the caller's own session with '>' in the first column.
		if strings.HasPrefix(line, ">") {
			line = " " + line[1:]
		}
		row := sliceRow(line, cols)
		user := row[colUser]
		if user == "" || isNumeric(user) || isIgnoredAccount(user, ignored) {
			continue
		}
		s := ActiveUserSession{
			Username:    user,
			LogonType:   logonTypeOf(row[colSession]),
			Status:      row[colState],
			SessionName: row[colSession],
			SessionID:   row[colID],
		}
		if lt := row[colLogon]; lt != "" {
			s.LogonTime = ptr(lt)
		}
		sessions = append(sessions, s)
	}
	if cols == nil {
		return []ActiveUserSession{}, nil
	}
	if sessions == nil {
		sessions = []ActiveUserSession{}
	}
	return sessions, nil
}

var errNoUserColumn = errors.New("no username column in header")

func logonTypeOf(sessionName string) LogonType {
	name := strings.ToLower(sessionName)
	switch {
	case name == "console":
		return LogonLocal
	case strings.HasPrefix(name, "rdp-tcp"):
		return LogonRDP
	}
	return LogonRemote
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isIgnoredAccount(user string, extra []string) bool {
	u := strings.ToLower(strings.TrimSpace(user))
	for _, list := range [][]string{DefaultIgnoredAccounts, extra} {
		for _, entry := range list {
			e := strings.ToLower(strings.TrimSpace(entry))
			if e == "" {
				continue
			}
			if strings.HasSuffix(e, "-") {
				if strings.HasPrefix(u, e) {
					return true
				}
				continue
			}
			if u == e {
				return true
			}
		}
	}
	return false
}

var whoRe = regexp.MustCompile(`^(\S+)\s+(\S+)\s+(\d{4}-\d{2}-\d{2} \d{2}:\d{2}|\w{3}\s+\d+ \d{2}:\d{2})(?:\s+\((.*)\))?`)

// ParseWho parses `who` output. Sessions from a remote host are Remote;
// terminals and local X displays are Local.
func ParseWho(out string, ignored []string) []ActiveUserSession {
	sessions := []ActiveUserSession{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		m := whoRe.FindStringSubmatch(sc.Text())
		if m == nil || isIgnoredAccount(m[1], ignored) {
			continue
		}
		typ := LogonLocal
		from := m[4]
		if from != "" && !strings.HasPrefix(from, ":") {
			typ = LogonRemote
		}
		sessions = append(sessions, ActiveUserSession{
			Username:    m[1],
			LogonType:   typ,
			Status:      "active",
			SessionName: m[2],
			LogonTime:   ptr(m[3]),
		})
	}
	return sessions
}

// ActiveUsers lists logged-on users. Windows uses quser on the local
// machine and qwinsta against a remote server; Linux uses who.
func ActiveUsers(ctx context.Context, t Target, ignored []string) remote.Outcome[[]ActiveUserSession] {
	host := t.Host()
	switch host.OS {
	case remote.OSLinux:
		out, err := run(ctx, t, WhoCommand, remote.Options{})
		if err != nil {
			return remote.Failed[[]ActiveUserSession](err)
		}
		return remote.Ok(ParseWho(out, ignored))

	case remote.OSWindows:
		command := QuserCommand
		if !host.IsLocal() {
			command = QwinstaCommand + host.Name
		}
		res, err := t.Execute(ctx, command, remote.Options{})
		if err != nil {
			return remote.Failed[[]ActiveUserSession](err)
		}
		// quser exits 1 with only stderr when nobody is logged on.
		if !res.OK() && strings.TrimSpace(res.Stdout) == "" {
			if remote.IsAccessDenied(res.Stderr) {
				t.RecordAccessDenied()
				return remote.Failed[[]ActiveUserSession](remote.ElevationError(command, host.Name, remote.ReasonPolicyDenied, res.Stderr))
			}
			return remote.Ok([]ActiveUserSession{})
		}
		sessions, err := ParseSessionTable(res.Stdout, ignored)
		if err != nil {
			return remote.Failed[[]ActiveUserSession](err)
		}
		return remote.Ok(sessions)
	}
	return remote.Unsupported[[]ActiveUserSession]()
}
