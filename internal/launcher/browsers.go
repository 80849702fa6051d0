package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	perrors "github.com/turtacn/Proctor/pkg/errors"
	"github.com/turtacn/Proctor/pkg/protocol"
)

// Browser describes how to start one kind of browser.
type Browser struct {
	Name string
	// EnvVar overrides the binary location when set in the environment.
	EnvVar string
	// Defaults lists candidate binaries per GOOS, most preferred first.
	Defaults map[string][]string
	// Command is an explicit binary from the config file.
	Command string
	// Flags are passed before the capture URL. {dir} is replaced by the
	// launcher's scratch directory.
	Flags []string
	// Extra is appended from the config file.
	Extra []string
}

// ResolveCommand picks the binary: config first, then the environment,
// then the first default found on PATH.
func (b *Browser) ResolveCommand() string {
	if b.Command != "" {
		return normalizeCommand(b.Command)
	}
	if b.EnvVar != "" {
		if env := os.Getenv(b.EnvVar); env != "" {
			return normalizeCommand(env)
		}
	}
	candidates := b.Defaults[runtime.GOOS]
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}

// Args builds the command line for url with profile directory dir.
func (b *Browser) Args(url, dir string) []string {
	args := make([]string, 0, len(b.Flags)+len(b.Extra)+1)
	for _, f := range b.Flags {
		args = append(args, strings.ReplaceAll(f, "{dir}", dir))
	}
	args = append(args, b.Extra...)
	return append(args, url)
}

// normalizeCommand strips shell quoting users tend to copy into env vars.
func normalizeCommand(cmd string) string {
	cmd = strings.TrimSpace(cmd)
	for len(cmd) >= 2 {
		first, last := cmd[0], cmd[len(cmd)-1]
		if first != last || !strings.ContainsRune("\"'`", rune(first)) {
			break
		}
		cmd = cmd[1 : len(cmd)-1]
	}
	if cmd == "" {
		return ""
	}
	return filepath.Clean(cmd)
}

var chromeFlags = []string{
	"--user-data-dir={dir}",
	"--no-default-browser-check",
	"--no-first-run",
	"--disable-default-apps",
	"--disable-popup-blocking",
	"--disable-translate",
	"--disable-background-timer-throttling",
	"--disable-renderer-backgrounding",
	"--disable-device-discovery-notifications",
}

var chromeDefaults = map[string][]string{
	"linux":   {"google-chrome", "google-chrome-stable", "chromium-browser", "chromium"},
	"darwin":  {"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
	"windows": {`C:\Program Files\Google\Chrome\Application\chrome.exe`, `C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`},
}

var firefoxDefaults = map[string][]string{
	"linux":   {"firefox"},
	"darwin":  {"/Applications/Firefox.app/Contents/MacOS/firefox"},
	"windows": {`C:\Program Files\Mozilla Firefox\firefox.exe`},
}

var builtin = map[string]func() *Browser{
	"Chrome": func() *Browser {
		return &Browser{Name: "Chrome", EnvVar: "CHROME_BIN", Defaults: chromeDefaults, Flags: chromeFlags}
	},
	"ChromeHeadless": func() *Browser {
		flags := append(append([]string{}, chromeFlags...), "--headless", "--disable-gpu", "--disable-dev-shm-usage")
		return &Browser{Name: "ChromeHeadless", EnvVar: "CHROME_BIN", Defaults: chromeDefaults, Flags: flags}
	},
	"Firefox": func() *Browser {
		return &Browser{Name: "Firefox", EnvVar: "FIREFOX_BIN", Defaults: firefoxDefaults,
			Flags: []string{"-profile", "{dir}", "-no-remote"}}
	},
	"FirefoxHeadless": func() *Browser {
		return &Browser{Name: "FirefoxHeadless", EnvVar: "FIREFOX_BIN", Defaults: firefoxDefaults,
			Flags: []string{"-profile", "{dir}", "-no-remote", "-headless"}}
	},
}

// Known returns the names of the built-in browsers.
func Known() []string {
	names := make([]string, 0, len(builtin))
	for n := range builtin {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromConfig resolves a browsers entry. A name without a command must be
// built in; a command alone defines a custom browser.
func FromConfig(bc protocol.BrowserConfig) (*Browser, error) {
	if ctor, ok := builtin[bc.Name]; ok {
		b := ctor()
		b.Command = bc.Command
		b.Extra = append(b.Extra, bc.Args...)
		return b, nil
	}
	if bc.Command == "" {
		return nil, perrors.New(perrors.ErrCodeConfigInvalid, "FromConfig",
			fmt.Sprintf("unknown browser %q (known: %s)", bc.Name, strings.Join(Known(), ", ")), nil)
	}
	name := bc.Name
	if name == "" {
		name = filepath.Base(normalizeCommand(bc.Command))
	}
	return &Browser{Name: name, Command: bc.Command, Extra: append([]string{}, bc.Args...)}, nil
}

// Personal.AI order the ending
