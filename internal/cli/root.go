package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/Proctor/internal/control"
	"github.com/turtacn/Proctor/internal/filelist"
	"github.com/turtacn/Proctor/internal/orchestrator"
	"github.com/turtacn/Proctor/pkg/consts"
	"github.com/turtacn/Proctor/pkg/logger"
	"github.com/turtacn/Proctor/pkg/protocol"
)

var (
	cfgFile    string
	socketPath string
	timeout    time.Duration

	singleRun bool
	browsers  []string
	logLevel  string
	logFormat string
)

// exitError carries a process exit code through cobra.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

var rootCmd = &cobra.Command{
	Use:           "proctor",
	Short:         "Proctor: launches browsers, serves test files and runs tests",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the test server and launch the configured browsers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger.InitLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
		logger.Log.Info("Booting Proctor...", "config", cfgFile, "mode", cfg.Mode())

		engine, err := orchestrator.NewEngine(cfg, orchestrator.WithConfigPath(cfgFile))
		if err != nil {
			return err
		}
		if err := engine.Start(context.Background()); err != nil {
			logger.Log.Error("Engine fatal error", "err", err)
			return exitError{1}
		}
		if code := engine.ExitCode(); code != 0 {
			return exitError{code}
		}
		return nil
	},
}

// loadConfig reads the config file and applies the start flags on top.
func loadConfig(cmd *cobra.Command) (*protocol.Config, error) {
	cfg, err := protocol.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("single-run") {
		cfg.SingleRun = singleRun
	}
	if len(browsers) > 0 {
		cfg.Browsers = cfg.Browsers[:0]
		for _, name := range browsers {
			cfg.Browsers = append(cfg.Browsers, protocol.BrowserConfig{Name: strings.TrimSpace(name)})
		}
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.Observability.LogFormat = logFormat
	}
	return cfg, cfg.Validate()
}

func controlCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendControl(cmd.OutOrStdout(), action)
		},
	}
}

func sendControl(out io.Writer, action string) error {
	path, err := resolveSocket()
	if err != nil {
		return err
	}
	reply, err := control.Send(path, action, timeout)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, reply.Message)
	if !reply.OK {
		return exitError{1}
	}
	return nil
}

// resolveSocket finds the control socket: the flag, then the config file,
// then the environment.
func resolveSocket() (string, error) {
	if socketPath != "" {
		return socketPath, nil
	}
	if cfg, err := protocol.Load(cfgFile); err == nil {
		return cfg.Control.SocketPath, nil
	}
	if env := os.Getenv(consts.EnvControlSock); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("cannot find the control socket: pass --socket or a readable --config")
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Resolve the configured patterns and print the files in served order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := protocol.Load(cfgFile)
		if err != nil {
			return err
		}
		logger.InitLogger("error", "text")
		list := filelist.New(filelist.Config{Patterns: cfg.Files, Excludes: cfg.Exclude})
		files, err := list.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		printFiles(cmd.OutOrStdout(), files)
		return nil
	},
}

func printFiles(out io.Writer, files filelist.Files) {
	included := make(map[string]bool, len(files.Included))
	for _, f := range files.Included {
		included[f.Path] = true
	}
	for _, f := range files.Served {
		mark := " "
		if included[f.Path] {
			mark = "+"
		}
		fmt.Fprintf(out, "%s %s\n", mark, f.Path)
	}
	for _, f := range files.Included {
		if f.IsURL {
			fmt.Fprintf(out, "+ %s\n", f.Path)
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "proctor.yaml", "config file path")

	startCmd.Flags().BoolVar(&singleRun, "single-run", false, "run the tests once, then exit")
	startCmd.Flags().StringSliceVar(&browsers, "browsers", nil, "browsers to launch, overrides the config (e.g. ChromeHeadless,Firefox)")
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	startCmd.Flags().StringVar(&logFormat, "log-format", "", "json or text")

	for _, cmd := range []*cobra.Command{
		controlCmd(control.ActionRun, "Trigger a test run on a running server"),
		controlCmd(control.ActionStop, "Stop a running server"),
		controlCmd(control.ActionReload, "Reload the config of a running server (same as SIGHUP)"),
		controlCmd(control.ActionRefresh, "Re-resolve the file list of a running server"),
	} {
		cmd.Flags().StringVar(&socketPath, "socket", "", "control socket path, defaults to the one in the config")
		cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the server")
		rootCmd.AddCommand(cmd)
	}

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(filesCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
