package remote

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

// EncodePowerShell returns the base64 UTF-16LE form accepted by
// powershell.exe -EncodedCommand. Progress output is silenced because
// PowerShell reports it on the error stream. Output is forced to UTF-8
// without a BOM; setting the console encoding fails harmlessly when the
// host has no console.
func EncodePowerShell(script string) (string, error) {
	script = utf8Prelude + "$ProgressPreference = 'SilentlyContinue';" + script
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16, err := enc.String(script)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(utf16)), nil
}

const utf8Prelude = "$OutputEncoding = New-Object Text.UTF8Encoding $false;" +
	"try { [Console]::OutputEncoding = $OutputEncoding } catch {};"

// PowerShellCommand wraps a script in a non-interactive powershell.exe
// invocation.
func PowerShellCommand(script string) (string, error) {
	encoded, err := EncodePowerShell(script)
	if err != nil {
		return "", err
	}
	return "powershell.exe -NoProfile -NonInteractive -ExecutionPolicy Bypass -EncodedCommand " + encoded, nil
}

// QuotePS quotes a value as a PowerShell single-quoted literal.
func QuotePS(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteSh quotes a value for a POSIX shell.
func QuoteSh(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var (
	clixmlErrorRe  = regexp.MustCompile(`(?s)<S S="Error">(.*?)</S>`)
	clixmlEscapeRe = regexp.MustCompile(`_x([0-9A-Fa-f]{4})_`)
	xmlEntities    = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")
)

// CleanCLIXML turns a serialized PowerShell error stream into plain text.
// Text that is not CLIXML is returned unchanged.
func CleanCLIXML(stderr string) string {
	trimmed := strings.TrimSpace(stderr)
	if !strings.HasPrefix(trimmed, "#< CLIXML") {
		return stderr
	}
	var b strings.Builder
	for _, m := range clixmlErrorRe.FindAllStringSubmatch(trimmed, -1) {
		b.WriteString(decodeCLIXMLText(m[1]))
	}
	return strings.TrimRight(b.String(), "\r\n")
}

func decodeCLIXMLText(s string) string {
	s = clixmlEscapeRe.ReplaceAllStringFunc(s, func(m string) string {
		code, err := strconv.ParseUint(m[2:6], 16, 32)
		if err != nil {
			return m
		}
		return string(rune(code))
	})
	return xmlEntities.Replace(s)
}

var accessDeniedMarkers = []string{
	"permission denied",
	"operation not permitted",
	"access is denied",
	"access denied",
	"requested registry access is not allowed",
	"отказано в доступе",
	"нет доступа",
}

// IsAccessDenied reports whether command output says the caller lacked
// the rights for the operation.
func IsAccessDenied(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range accessDeniedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
