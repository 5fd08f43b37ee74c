package dispatch

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/stemdeck/internal/config"
)

// Mode selects how the engine is launched.
type Mode string

const (
	ModeScript Mode = config.EngineModeScript
	ModeBinary Mode = config.EngineModeBinary
)

// ParseMode converts a configured mode string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeScript:
		return ModeScript, nil
	case ModeBinary:
		return ModeBinary, nil
	default:
		return "", fmt.Errorf("unknown engine mode %q", s)
	}
}

// Target is a resolved process invocation.
type Target struct {
	Path string
	Args []string
}

// String renders the target for logs.
func (t Target) String() string {
	if len(t.Args) == 0 {
		return t.Path
	}
	return t.Path + " " + strings.Join(t.Args, " ")
}

// Dispatcher maps logical engine commands to concrete invocations.
type Dispatcher struct {
	mode    Mode
	runtime string
	script  string
	binary  string
}

// New creates a Dispatcher. The mode is read here and never again; an
// unrecognised mode falls back to binary mode and fails at spawn time.
func New(cfg config.EngineConfig) *Dispatcher {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		mode = ModeBinary
	}
	return &Dispatcher{
		mode:    mode,
		runtime: cfg.Runtime,
		script:  cfg.Script,
		binary:  cfg.Binary,
	}
}

// Mode reports the launch mode fixed at construction.
func (d *Dispatcher) Mode() Mode {
	return d.mode
}

// Executable returns the program that will be spawned.
func (d *Dispatcher) Executable() string {
	if d.mode == ModeScript {
		return d.runtime
	}
	return d.binary
}

// Resolve returns the executable and argv for command with params appended in order.
func (d *Dispatcher) Resolve(command string, params ...string) Target {
	if d.mode == ModeScript {
		args := make([]string, 0, len(params)+2)
		args = append(args, d.script, command)
		args = append(args, params...)
		return Target{Path: d.runtime, Args: args}
	}

	args := make([]string, 0, len(params)+1)
	args = append(args, command)
	args = append(args, params...)
	return Target{Path: d.binary, Args: args}
}
