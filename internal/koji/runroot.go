package koji

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/prometheus"
	"github.com/osbuild/pungi/internal/shell"
)

const DefaultRunrootChannel = "runroot-local"

// RunrootOptions describe one `koji runroot` invocation.
type RunrootOptions struct {
	Target    string
	Arch      string
	Command   string
	Quiet     bool
	NewChroot bool
	Channel   string
	Packages  []string
	Mounts    []string
	Weight    int
	// Paths made world readable and owned by the compose user after the
	// command finishes.
	ChownPaths []string
}

// CLI wraps the koji command line client configured with a profile.
type CLI struct {
	Profile    string
	MaxRetries int
	Runner     shell.Runner
	Sleep      func(time.Duration)
	UID        int
}

// NewCLI returns a client running commands on the local host.
func NewCLI(profile string, maxRetries int) *CLI {
	return &CLI{
		Profile:    profile,
		MaxRetries: maxRetries,
		Runner:     shell.ExecRunner{},
		Sleep:      time.Sleep,
		UID:        os.Getuid(),
	}
}

func (c *CLI) cmd(args ...string) []string {
	return append([]string{"koji", "--profile=" + c.Profile}, args...)
}

// RunrootArgv builds the argv. The command runs through the shell after the
// rpmdb and yum cache left in the buildroot are removed.
func (c *CLI) RunrootArgv(opts RunrootOptions) []string {
	argv := c.cmd("runroot", "--nowait", "--task-id")
	if opts.Quiet {
		argv = append(argv, "--quiet")
	}
	if opts.NewChroot {
		argv = append(argv, "--new-chroot")
	}
	argv = append(argv, "--use-shell")
	channel := opts.Channel
	if channel == "" {
		channel = DefaultRunrootChannel
	}
	argv = append(argv, "--channel-override="+channel)
	if opts.Weight > 0 {
		argv = append(argv, fmt.Sprintf("--weight=%d", opts.Weight))
	}
	for _, p := range opts.Packages {
		argv = append(argv, "--package="+p)
	}
	for _, m := range opts.Mounts {
		argv = append(argv, "--mount="+m)
	}
	// every option has to precede the positional arguments
	argv = append(argv, opts.Target, common.BaseArch(opts.Arch))

	command := "rm -f /var/lib/rpm/__db*; rm -rf /var/cache/yum/*; set -x; " + opts.Command
	if len(opts.ChownPaths) > 0 {
		paths := shell.Join(opts.ChownPaths)
		command += " ; EXIT_CODE=$?"
		command += " ; chmod -R a+r " + paths
		command += fmt.Sprintf(" ; chown -R %d %s", c.UID, paths)
		command += " ; exit $EXIT_CODE"
	}
	return append(argv, command)
}

var taskIDRegexp = regexp.MustCompile(`^(?:Created task: )?(\d+)$`)

// ParseTaskID extracts the task id from the first line of the runroot
// output.
func ParseTaskID(output string) (int, error) {
	first := strings.SplitN(output, "\n", 2)[0]
	m := taskIDRegexp.FindStringSubmatch(strings.TrimSpace(first))
	if m == nil {
		return 0, fmt.Errorf("could not find task ID in output %q", output)
	}
	return strconv.Atoi(m[1])
}

// RunrootResult is the outcome of a finished runroot task.
type RunrootResult struct {
	TaskID   int
	ExitCode int
	Output   string
}

// Runroot submits the task and waits for it to finish. A non-zero exit
// code of the task is reported in the result, not as an error.
func (c *CLI) Runroot(ctx context.Context, opts RunrootOptions, logFile string) (*RunrootResult, error) {
	argv := c.RunrootArgv(opts)
	res, err := c.Runner.Run(ctx, shell.Command{Argv: argv, LogFile: logFile, ShowCmd: true})
	if err != nil && res.Output == "" {
		return nil, err
	}
	taskID, perr := ParseTaskID(res.Output)
	if perr != nil {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", err, perr)
		}
		return nil, perr
	}
	result := &RunrootResult{TaskID: taskID, ExitCode: res.ExitCode, Output: res.Output}
	channel := opts.Channel
	if channel == "" {
		channel = DefaultRunrootChannel
	}
	if res.ExitCode != 0 {
		appendLog(logFile, fmt.Sprintf("\nRunroot task failed: %d.\n", taskID))
		prometheus.RunrootTasks.WithLabelValues(channel, "failed").Inc()
		return result, nil
	}
	code, err := c.WatchTask(ctx, taskID, logFile)
	if err != nil {
		// the task id is still useful for cancelling
		return result, err
	}
	result.ExitCode = code
	status := "done"
	if code != 0 {
		status = "failed"
	}
	prometheus.RunrootTasks.WithLabelValues(channel, status).Inc()
	return result, nil
}

var (
	connectionErrorRegexp = regexp.MustCompile(`error: failed to connect\n$`)
	offlineErrorRegexp    = regexp.MustCompile(`koji: ServerOffline:`)
)

// ConnectionError is returned when watching a task keeps failing on
// connection problems.
type ConnectionError struct {
	TaskID int
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to wait for task %d, too many connection errors", e.TaskID)
}

// WatchTask waits for the task with `koji watch-task`, retrying when the
// hub is unreachable. The n-th retry sleeps n*10 seconds.
func (c *CLI) WatchTask(ctx context.Context, taskID int, logFile string) (int, error) {
	argv := c.cmd("watch-task", strconv.Itoa(taskID))
	attempt := 0
	for {
		res, err := c.Runner.Run(ctx, shell.Command{Argv: argv, LogFile: logFile})
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		if err == nil && res.ExitCode == 0 {
			return 0, nil
		}
		if !connectionErrorRegexp.MatchString(res.Output) && !offlineErrorRegexp.MatchString(res.Output) {
			if res.ExitCode == 0 {
				return 0, err
			}
			return res.ExitCode, nil
		}
		attempt++
		if c.MaxRetries > 0 && attempt >= c.MaxRetries {
			return 0, &ConnectionError{TaskID: taskID}
		}
		c.Sleep(time.Duration(attempt*10) * time.Second)
	}
}

// CancelTask asks the hub to cancel a running task.
func (c *CLI) CancelTask(ctx context.Context, taskID int) error {
	_, err := c.Runner.Run(ctx, shell.Command{Argv: c.cmd("cancel", strconv.Itoa(taskID))})
	return err
}

func appendLog(path, msg string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(msg)
}
