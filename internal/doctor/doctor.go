// Package doctor checks a stemdeck configuration against the machine it will
// run on: engine files, interpreter, integrity digest and state directory.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/stemdeck/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	d.validateEngine(r)
	d.validateIntegrity(r)
	d.validateState(r)
	d.validateAPI(r)
	d.warnCancelGrace(r)
	d.warnDownloadDir(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateEngine checks that the configured mode can actually be launched.
func (d *Doctor) validateEngine(r *Result) {
	e := d.cfg.Engine
	switch e.Mode {
	case config.EngineModeScript:
		if e.Runtime != "" {
			if _, err := d.lookPath(e.Runtime); err != nil {
				d.addError(r, "engine", "engine.runtime",
					fmt.Sprintf("runtime %q not found on PATH", e.Runtime))
			}
		}
		d.checkFile(r, "engine.script", e.Script, false)
	case config.EngineModeBinary:
		d.checkFile(r, "engine.binary", e.Binary, true)
	}
}

func (d *Doctor) checkFile(r *Result, field, path string, mustExec bool) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		d.addError(r, "engine", field, fmt.Sprintf("%s: %v", path, unwrapPathError(err)))
		return
	}
	if info.IsDir() {
		d.addError(r, "engine", field, fmt.Sprintf("%s is a directory", path))
		return
	}
	if mustExec && runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		d.addError(r, "engine", field, fmt.Sprintf("%s is not executable", path))
	}
}

// validateIntegrity checks the BLAKE3 digest when one is configured.
func (d *Doctor) validateIntegrity(r *Result) {
	if strings.TrimSpace(d.cfg.Engine.Checksum) == "" {
		d.addWarning(r, "integrity", "engine.checksum",
			"no checksum configured; the engine is run without verification")
		return
	}
	if err := config.VerifyEngineChecksum(d.cfg.Engine); err != nil {
		d.addError(r, "integrity", "engine.checksum", firstLine(err.Error()))
	}
}

// validateState checks that the job log directory exists or can be created.
func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	dir := filepath.Dir(d.cfg.State.Path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "state", "state.path",
			fmt.Sprintf("directory %s does not exist; it will be created on start", dir))
	case err != nil:
		d.addError(r, "state", "state.path", err.Error())
	case !info.IsDir():
		d.addError(r, "state", "state.path", fmt.Sprintf("%s is not a directory", dir))
	}
}

// validateAPI warns when the API is reachable off-host without a key.
func (d *Doctor) validateAPI(r *Result) {
	if d.cfg.API.Listen == "" || d.cfg.API.APIKey != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.api_key",
			fmt.Sprintf("listening on %s without an api_key", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnCancelGrace(r *Result) {
	g := d.cfg.Engine.CancelGrace
	switch {
	case g <= 0:
		// reported by config validation
	case g < 500*time.Millisecond:
		d.addWarning(r, "engine", "engine.cancel_grace",
			fmt.Sprintf("cancel_grace %s leaves the engine little time to clean up", g))
	case g > time.Minute:
		d.addWarning(r, "engine", "engine.cancel_grace",
			fmt.Sprintf("cancel_grace %s delays force-kill of a stuck engine", g))
	}
}

func (d *Doctor) warnDownloadDir(r *Result) {
	dir := d.cfg.Settings.DownloadDir
	if dir == "" {
		d.addWarning(r, "settings", "settings.download_dir", "no fallback download directory configured")
		return
	}
	if _, err := os.Stat(dir); err != nil {
		d.addWarning(r, "settings", "settings.download_dir",
			fmt.Sprintf("fallback download directory %s: %v", dir, unwrapPathError(err)))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func unwrapPathError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err
	}
	return err
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
