package remote

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// DecodeConsole converts bytes written by a Windows console program to a
// string. cmd.exe tools such as quser and netsh write in the OEM code
// page, which is CP866 on Russian hosts; PowerShell scripts are switched
// to UTF-8 by EncodePowerShell. Valid UTF-8 is returned as is.
func DecodeConsole(b []byte) string {
	if utf8.Valid(b) {
		return strings.TrimPrefix(string(b), "\ufeff")
	}
	s, err := charmap.CodePage866.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}
