// Package app is the command-line front end: a declarative cobra command
// tree covering exactly the subcommands in spec.md §6, each RunE delegating
// to internal/dispatch, following the same flag-then-viper-env-binding
// pattern cmd/topolvm-controller/app/root.go and
// pkg/topolvm-node/cmd/root.go use for their own single-purpose binaries.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"

	"github.com/topolvm/vdoctl/internal/config"
	"github.com/topolvm/vdoctl/internal/dispatch"
	"github.com/topolvm/vdoctl/internal/exec"
	"github.com/topolvm/vdoctl/internal/logging"
)

var globalFlags struct {
	confFile string
	logfile  string
	verbose  bool
	debug    bool
	dryRun   bool
}

// dispatcher is built once per invocation by PersistentPreRunE and used by
// every subcommand's RunE.
var dispatcher *dispatch.Dispatcher

var rootCmd = &cobra.Command{
	Use:          "vdoctl",
	Short:        "Create, start, stop and report on deduplicating, compressing VDO volumes",
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVarP(&globalFlags.confFile, "confFile", "f", "", "configuration file (default "+config.DefaultPath+")")
	fs.StringVar(&globalFlags.logfile, "logfile", "", "additionally write log output to this file")
	fs.BoolVar(&globalFlags.verbose, "verbose", false, "enable verbose (debug-level) logging")
	fs.BoolVarP(&globalFlags.debug, "debug", "d", false, "enable debug logging")
	fs.BoolVar(&globalFlags.dryRun, "dry-run", false, "log external commands and registry writes instead of performing them")

	viper.BindEnv("confFile", "VDO_CONF_DIR")
	viper.BindEnv("debug", "VDO_DEBUG")

	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)
	fs.AddGoFlagSet(goflags)
}

// setup resolves the configuration path, wires up logging and dry-run mode,
// and builds the Dispatcher used by every subcommand.
func setup(cmd *cobra.Command) error {
	confFile := globalFlags.confFile
	if confFile == "" {
		if dir := viper.GetString("confFile"); dir != "" {
			confFile = filepath.Join(dir, "vdoconf.yml")
		}
	}

	debug := globalFlags.debug || globalFlags.verbose || viper.GetString("debug") == "1"
	log, _, err := logging.New(debug, globalFlags.logfile)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	exec.SetDryRun(globalFlags.dryRun)

	ctx := logging.IntoContext(cmd.Context(), log)
	cmd.SetContext(ctx)

	dispatcher = dispatch.New(confFile)
	return nil
}

// Execute runs the command tree, deriving its root context from process
// signals (SIGINT/SIGTERM) per the concurrency model's cancellation policy:
// the in-flight external command is allowed to finish before the
// transactional scope unwinds.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeOf(err))
	}
}

type exitCoder interface{ ExitCode() int }

// exitCodeOf maps err to a process exit code per the error-handling design's
// table. Errors without an ExitCode method (argument/flag-parsing failures
// surfaced directly by cobra/pflag) exit 2, matching "argument parsing
// errors exit with status 2".
func exitCodeOf(err error) int {
	var ec exitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return 2
}
