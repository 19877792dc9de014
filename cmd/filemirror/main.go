package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/filemirror/internal/config"
	"github.com/openmined/filemirror/internal/daemon"
	"github.com/openmined/filemirror/internal/utils"
	"github.com/openmined/filemirror/internal/version"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logTimeFormat   = "2006-01-02T15:04:05.000Z07:00"
	defaultEnvFile  = ".env"
	logMaxSizeMB    = 50
	logMaxBackups   = 5
	logMaxAgeInDays = 30
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     version.AppName,
		Short:   "Mirror watched directories onto one or more sync targets",
		Version: version.Detailed(),
		// errors are printed by main
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true
			closeLog, err := setupLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			showHeader(cmd.OutOrStdout(), cfg)
			defer slog.Info("Bye!")
			return d.Start(cmd.Context())
		},
	}

	cmd.PersistentFlags().SortFlags = false
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigFile, "filemirror config file")
	cmd.PersistentFlags().Float64P("interval", "i", 0, "poll interval in seconds (overrides the config)")
	cmd.PersistentFlags().String("env-file", "", "load environment variables from this file")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cmd.AddCommand(newOnceCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

// loadEnv loads --env-file, or a .env in the working directory when there is one.
func loadEnv(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("env file '%s': %w", envFile, err)
		}
		return nil
	}

	if err := godotenv.Load(defaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("env file '%s': %w", defaultEnvFile, err)
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if flag := cmd.Flag("interval"); flag != nil && flag.Changed {
		if err := v.BindPFlag("interval", flag); err != nil {
			return nil, err
		}
	}

	path, _ := cmd.Flags().GetString("config")
	return config.Load(v, path)
}

// setupLogger logs to the console, and also to a rotated file when the config names one.
// The returned func closes the file.
func setupLogger(cmd *cobra.Command, cfg *config.Config) (func(), error) {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	if cfg.LogFile == "" {
		slog.SetDefault(slog.New(stdoutHandler))
		return func() {}, nil
	}

	if err := utils.EnsureParent(cfg.LogFile); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		MaxAge:     logMaxAgeInDays,
	}
	fileHandler := slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
	return func() { rotator.Close() }, nil
}

func showHeader(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "%s %s\n", cyan(version.AppName), version.Short())
	fmt.Fprintf(w, "%s %s\n", green("config"), cfg.Path)
	for _, p := range cfg.Paths {
		fmt.Fprintf(w, "%s %s -> %v\n", green("watch"), p.Watch, p.Syncs)
	}
	fmt.Fprintf(w, "%s %s\n", green("interval"), cfg.Interval())
}
