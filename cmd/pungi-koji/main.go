package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/pungi/internal/common"
	"github.com/osbuild/pungi/internal/compose"
	"github.com/osbuild/pungi/internal/config"
	"github.com/osbuild/pungi/internal/koji"
	"github.com/osbuild/pungi/internal/phases"
	"github.com/osbuild/pungi/internal/prometheus"
	"github.com/osbuild/pungi/internal/runroot"
	"github.com/osbuild/pungi/internal/shell"
)

var (
	configFile  string
	targetDir   string
	oldComposes []string
	label       string
	noLabel     bool
	composeType string
	supported   bool
	skipPhases  []string
	justPhases  []string
	useJournal  bool
	metricsFile string
	verbose     bool
)

var composeTypes = []string{"production", "nightly", "test", "ci"}

var rootCmd = &cobra.Command{
	Use:          "pungi-koji",
	Short:        "Compose a distribution from Koji builds",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run a compose into --target-dir",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := runCompose(cmd.Context())
		if err != nil {
			return err
		}
		exitCode = status.ExitCode()
		return nil
	},
}

var printConfigCmd = &cobra.Command{
	Use:          "print-config",
	Short:        "Print the effective configuration as TOML",
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		return config.Dump(conf, cmd.OutOrStdout())
	},
}

var exitCode int

// run is swapped in tests.
var run = func() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, printConfigCmd} {
		cmd.Flags().StringVarP(&configFile, "config", "c", "", "compose configuration file (TOML)")
		_ = cmd.MarkFlagRequired("config")
	}
	flags := runCmd.Flags()
	flags.StringVar(&targetDir, "target-dir", "", "directory the compose is created in")
	flags.StringArrayVar(&oldComposes, "old-composes", nil, "directory with previous composes to reuse results from (repeatable)")
	flags.StringVar(&label, "label", "", "compose label, e.g. RC-1.0")
	flags.BoolVar(&noLabel, "no-label", false, "run a production compose without a label")
	flags.StringVar(&composeType, "compose-type", "", "one of production, nightly, test or ci")
	flags.BoolVar(&supported, "supported", false, "mark the ISOs as supported")
	flags.StringArrayVar(&skipPhases, "skip-phase", nil, "skip a phase (repeatable)")
	flags.StringArrayVar(&justPhases, "just-phase", nil, "run only this phase and the mandatory ones (repeatable)")
	flags.BoolVar(&useJournal, "journal", false, "send the log to journald as well")
	flags.StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this file when the compose ends")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log debug messages")
	_ = runCmd.MarkFlagRequired("target-dir")

	info := common.ReadBuildInfo()
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", common.Version, info.Commit, info.Time)
	rootCmd.AddCommand(runCmd, printConfigCmd)
}

func main() {
	logrus.SetReportCaller(true)
	defer func() {
		if r := recover(); r != nil {
			logrus.Fatalf("pungi-koji crashed: %v\n%s", r, debug.Stack())
		}
	}()
	run()
}

func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load configuration %s: %w", configFile, err)
	}
	return conf, nil
}

// composeOptions checks the command line against the configuration.
func composeOptions(conf *config.Config) (compose.Options, error) {
	opts := compose.Options{
		Type:        composeType,
		Label:       label,
		OldComposes: oldComposes,
		Supported:   supported,
		Log:         logrus.StandardLogger(),
	}
	if opts.Type == "" {
		opts.Type = conf.ComposeType
	}
	if !common.StringInSlice(composeTypes, opts.Type) {
		return opts, fmt.Errorf("unknown compose type %q", opts.Type)
	}
	if label != "" && noLabel {
		return opts, errors.New("--label and --no-label are mutually exclusive")
	}
	if opts.Type == "production" && label == "" && conf.ComposeLabel == "" && !noLabel {
		return opts, errors.New("a production compose needs --label or --no-label")
	}
	if err := compose.VerifyLabel(label); err != nil {
		return opts, err
	}
	if conf.PkgsetSource == "koji" && conf.KojiServer == "" {
		return opts, errors.New("pkgset_source = koji needs koji_server")
	}
	return opts, nil
}

func kojiSession(conf *config.Config) (*koji.Koji, error) {
	if conf.KojiServer == "" {
		return nil, nil
	}
	transport := koji.CreateKojiTransport(conf.KojiMaxRetries, logrus.StandardLogger())
	if conf.KojiKeytab != "" {
		return koji.NewFromGSSAPI(conf.KojiServer, &koji.GSSAPICredentials{
			Principal: conf.KojiPrincipal,
			KeyTab:    conf.KojiKeytab,
		}, transport)
	}
	return koji.New(conf.KojiServer, transport)
}

// setupLogging sends the log to the global log file of the compose and,
// with --journal, to journald.
func setupLogging(c *compose.Compose) (io.Closer, error) {
	if err := os.MkdirAll(c.Paths.LogTopdir("global"), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.Paths.GlobalLog(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, f))
	if useJournal {
		logrus.AddHook(&common.JournalHook{ComposeID: c.ComposeID(), MinLevel: logrus.GetLevel()})
	}
	return f, nil
}

func runCompose(ctx context.Context) (common.ComposeStatus, error) {
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	conf, err := loadConfig()
	if err != nil {
		return common.StatusStarted, err
	}
	opts, err := composeOptions(conf)
	if err != nil {
		return common.StatusStarted, err
	}
	c, err := compose.Create(conf, targetDir, opts)
	if err != nil {
		return common.StatusStarted, fmt.Errorf("cannot create compose: %w", err)
	}
	logFile, err := setupLogging(c)
	if err != nil {
		return common.StatusStarted, err
	}
	defer logFile.Close()
	c.Log = logrus.WithFields(logrus.Fields{"compose_id": c.ComposeID(), "run_id": c.RunID})
	c.Log.Infof("Pungi %s, compose top directory: %s", rootCmd.Version, c.Topdir)

	status, err := runPipeline(ctx, c)
	if err != nil {
		if status == common.StatusStarted {
			// failed before any phase ran
			c.Log.Errorf("Compose run failed: %v", err)
			status, _ = c.WriteStatus(common.StatusDoomed)
		}
		if status == common.StatusDoomed && conf.SentryDSN != "" {
			reportToSentry(conf.SentryDSN, c, err)
		}
	}
	if metricsFile != "" {
		if err := prometheus.WriteMetrics(metricsFile); err != nil {
			c.Log.Warnf("Cannot write metrics to %s: %v", metricsFile, err)
		}
	}
	return status, nil
}

func runPipeline(ctx context.Context, c *compose.Compose) (common.ComposeStatus, error) {
	ccname, err := c.SetupKrb5CCName()
	if err != nil {
		return common.StatusStarted, err
	}
	if ccname != "" {
		c.Log.Debugf("KRB5CCNAME=%s", ccname)
	}
	k, err := kojiSession(c.Conf)
	if err != nil {
		return common.StatusStarted, fmt.Errorf("cannot connect to koji: %w", err)
	}
	var session koji.Session
	if k != nil {
		session = k
		defer func() {
			if err := k.Logout(); err != nil {
				c.Log.Warnf("koji logout failed: %v", err)
			}
		}()
	}
	runner := shell.ExecRunner{}
	cli := koji.NewCLI(c.Conf.KojiProfile, c.Conf.KojiMaxRetries)
	rr, err := runroot.New(c.Conf, runner, cli, c.Log)
	if err != nil {
		return common.StatusStarted, err
	}
	return phases.NewPipeline(c, session, runner, rr).Run(ctx, skipPhases, justPhases)
}

func reportToSentry(dsn string, c *compose.Compose, cause error) {
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: "pungi@" + common.Version}); err != nil {
		c.Log.Warnf("Cannot initialize sentry: %v", err)
		return
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("compose_id", c.ComposeID())
		scope.SetTag("run_id", c.RunID)
	})
	sentry.CaptureException(cause)
	sentry.Flush(5 * time.Second)
}
