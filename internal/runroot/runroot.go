// Package runroot executes a phase's heavy commands either on the compose
// host or inside a Koji build root.
package runroot

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/shell"
)

const (
	MethodLocal = "local"
	MethodKoji  = "koji"
)

// Options describe one command. Packages and Mounts only matter for the
// koji method.
type Options struct {
	Phase      string
	Arch       string
	LogFile    string
	Packages   []string
	Mounts     []string
	ChownPaths []string
	NewChroot  bool
}

// Result tells where the command ran. TaskID is zero for local runs.
type Result struct {
	TaskID int
}

type Runroot struct {
	Method  string
	Tag     string
	Channel string
	Weights map[string]int
	Runner  shell.Runner
	Koji    *koji.CLI
	Log     logrus.FieldLogger
}

// New configures a runroot from the compose configuration. The koji
// method needs runroot_tag.
func New(conf *config.Config, runner shell.Runner, cli *koji.CLI, log logrus.FieldLogger) (*Runroot, error) {
	method := conf.RunrootMethod
	if method == "" {
		method = MethodLocal
		if conf.RunrootTag != "" {
			method = MethodKoji
		}
	}
	r := &Runroot{
		Method:  method,
		Tag:     conf.RunrootTag,
		Channel: conf.RunrootChannel,
		Weights: conf.RunrootWeights,
		Runner:  runner,
		Koji:    cli,
		Log:     log,
	}
	switch method {
	case MethodLocal:
	case MethodKoji:
		if r.Tag == "" {
			return nil, errors.New("runroot_method = koji needs runroot_tag")
		}
		if cli == nil {
			return nil, errors.New("runroot_method = koji needs a koji client")
		}
	default:
		return nil, fmt.Errorf("unknown runroot_method %q", method)
	}
	return r, nil
}

// IsRemote reports whether commands leave the compose host.
func (r *Runroot) IsRemote() bool {
	return r.Method == MethodKoji
}

// Run executes command and fails on a non-zero exit code. The error names
// the log file holding the output.
func (r *Runroot) Run(ctx context.Context, command string, opts Options) (*Result, error) {
	if r.Method == MethodLocal {
		_, err := r.Runner.Run(ctx, shell.Command{Script: command, LogFile: opts.LogFile, ShowCmd: true})
		if err != nil {
			return nil, fmt.Errorf("%s command failed: %w", opts.Phase, err)
		}
		return &Result{}, nil
	}

	res, err := r.Koji.Runroot(ctx, koji.RunrootOptions{
		Target:     r.Tag,
		Arch:       common.BuildArch(opts.Arch),
		Command:    command,
		NewChroot:  opts.NewChroot,
		Channel:    r.Channel,
		Packages:   opts.Packages,
		Mounts:     opts.Mounts,
		Weight:     r.Weights[opts.Phase],
		ChownPaths: opts.ChownPaths,
	}, opts.LogFile)
	if err != nil {
		if res != nil && res.TaskID > 0 && ctx.Err() != nil {
			r.Log.Warnf("Cancelling runroot task %d", res.TaskID)
			// the compose context is gone, the cancel call needs its own
			if cerr := r.Koji.CancelTask(context.Background(), res.TaskID); cerr != nil {
				r.Log.Warnf("Cannot cancel task %d: %v", res.TaskID, cerr)
			}
		}
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("runroot task %d failed, see %s for details", res.TaskID, opts.LogFile)
	}
	return &Result{TaskID: res.TaskID}, nil
}
