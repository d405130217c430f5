// Package shell runs external programs with their output logged to a file
// and quotes arguments for generated scripts.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

type EnvironmentVariable struct {
	Key   string
	Value string
}

// Command is one external invocation. With Script set the argv is ignored
// and the script runs through /bin/bash.
type Command struct {
	Argv    []string
	Script  string
	Dir     string
	Env     []EnvironmentVariable
	LogFile string
	// Show the command in the log file before its output.
	ShowCmd bool
}

func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	return Join(c.Argv)
}

// Result carries the exit code and the combined stdout and stderr.
type Result struct {
	ExitCode int
	Output   string
}

// ExitError is returned for a command that exited with a non-zero code.
type ExitError struct {
	Cmd      string
	ExitCode int
	LogFile  string
}

func (e *ExitError) Error() string {
	if e.LogFile != "" {
		return fmt.Sprintf("command %q exited with code %d, see %s for details", e.Cmd, e.ExitCode, e.LogFile)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Cmd, e.ExitCode)
}

// Runner executes commands. Phases get one injected so tests can record
// invocations instead of spawning processes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// ExecRunner runs commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	return Run(ctx, cmd)
}

// Run executes cmd, appends its output to cmd.LogFile and returns it. A
// non-zero exit code gives an *ExitError together with the result.
func Run(ctx context.Context, cmd Command) (Result, error) {
	var c *exec.Cmd
	switch {
	case cmd.Script != "":
		c = exec.CommandContext(ctx, "/bin/bash", "-c", cmd.Script)
	case len(cmd.Argv) > 0:
		c = exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	default:
		return Result{}, errors.New("empty command")
	}
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for _, e := range cmd.Env {
			c.Env = append(c.Env, e.Key+"="+e.Value)
		}
	}

	var output bytes.Buffer
	var w io.Writer = &output
	if cmd.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cmd.LogFile), 0755); err != nil {
			return Result{}, err
		}
		f, err := os.OpenFile(cmd.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return Result{}, err
		}
		defer f.Close()
		if cmd.ShowCmd {
			fmt.Fprintf(f, "Executing command: %s\n", cmd)
		}
		w = io.MultiWriter(&output, f)
	}
	c.Stdout = w
	c.Stderr = w

	err := c.Run()
	res := Result{Output: output.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{Cmd: cmd.String(), ExitCode: res.ExitCode, LogFile: cmd.LogFile}
		}
		return res, fmt.Errorf("cannot run %q: %w", cmd.String(), err)
	}
	return res, nil
}

var safeRegexp = regexp.MustCompile(`^[\w@%+=:,./-]+$`)

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeRegexp.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes every argument and joins them with spaces.
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
