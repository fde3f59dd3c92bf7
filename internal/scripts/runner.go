// Package scripts runs ad-hoc scripts through a session.
package scripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ArthurPierce23/mtadmin/internal/remote"
)

// Language selects the interpreter.
type Language string

const (
	// LanguageAuto is bash on Linux and PowerShell on Windows.
	LanguageAuto       Language = ""
	LanguageBash       Language = "bash"
	LanguageSh         Language = "sh"
	LanguagePowerShell Language = "powershell"
	LanguageCmd        Language = "cmd"
)

// ParseLanguage accepts the names used on the command line.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return LanguageAuto, nil
	case "bash":
		return LanguageBash, nil
	case "sh":
		return LanguageSh, nil
	case "powershell", "ps", "ps1", "pwsh":
		return LanguagePowerShell, nil
	case "cmd", "bat", "batch":
		return LanguageCmd, nil
	}
	return LanguageAuto, fmt.Errorf("unknown script language %q", s)
}

// Script is one piece of code to run remotely.
type Script struct {
	Name     string
	Language Language
	Body     string
	// Elevated runs the script with administrative rights. On Linux the
	// session must already hold elevation.
	Elevated bool
	Timeout  time.Duration
}

// Target is the part of a session the runner needs.
type Target interface {
	Execute(ctx context.Context, command string, opts remote.Options) (remote.Result, error)
	Host() remote.Host
}

// Load reads a script file and picks its language from the extension.
func Load(path string) (Script, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	lang := LanguageAuto
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sh":
		lang = LanguageSh
	case ".bash":
		lang = LanguageBash
	case ".ps1":
		lang = LanguagePowerShell
	case ".bat", ".cmd":
		lang = LanguageCmd
	}
	return Script{Name: filepath.Base(path), Language: lang, Body: string(body)}, nil
}

// Command returns the command string and options that run s on an OS.
func Command(kind remote.OSKind, s Script) (string, remote.Options, error) {
	body := strings.TrimSpace(strings.ReplaceAll(s.Body, "\r\n", "\n"))
	if body == "" {
		return "", remote.Options{}, fmt.Errorf("script %q is empty", s.Name)
	}
	opts := remote.Options{Elevated: s.Elevated, Timeout: s.Timeout}

	switch kind {
	case remote.OSLinux:
		switch s.Language {
		case LanguageAuto, LanguageBash:
			return "bash -c " + remote.QuoteSh(body), opts, nil
		case LanguageSh:
			return "sh -c " + remote.QuoteSh(body), opts, nil
		}
	case remote.OSWindows:
		switch s.Language {
		case LanguageAuto, LanguagePowerShell:
			opts.Shell = remote.ShellPowerShell
			return body, opts, nil
		case LanguageCmd:
			// cmd.exe runs one line; join statements with &.
			lines := strings.Split(body, "\n")
			kept := lines[:0]
			for _, l := range lines {
				if l = strings.TrimSpace(l); l != "" {
					kept = append(kept, l)
				}
			}
			return strings.Join(kept, " & "), opts, nil
		}
	default:
		return "", remote.Options{}, remote.ErrUnsupported
	}
	return "", remote.Options{}, fmt.Errorf("%s scripts cannot run on %s", s.Language, kind)
}

// Run executes s and returns the raw result. A non-zero exit is not an
// error.
func Run(ctx context.Context, t Target, s Script) (remote.Result, error) {
	command, opts, err := Command(t.Host().OS, s)
	if err != nil {
		return remote.Result{}, err
	}
	return t.Execute(ctx, command, opts)
}
