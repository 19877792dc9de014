package main

import (
	"log/slog"

	"github.com/openmined/filemirror/internal/daemon"
	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Mirror every watch root once and exit",
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

			if err := d.RunOnce(cmd.Context()); err != nil {
				return err
			}
			slog.Info("sync complete", "roots", len(cfg.Paths))
			return nil
		},
	}
}
