package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/openmined/filemirror/internal/config"
	"github.com/openmined/filemirror/internal/daemon"
	"github.com/openmined/filemirror/internal/mirror"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print the resolved mappings and exclusions",
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

			// validated without creating anything on disk
			for _, p := range cfg.Paths {
				m := &mirror.PathMapping{Watch: p.Watch, Syncs: p.Syncs}
				if err := m.Validate(); err != nil {
					return err
				}
			}

			filter, err := daemon.NewFilter(cfg, cfg.WatchRoots())
			if err != nil {
				return err
			}

			printCheck(cmd.OutOrStdout(), cfg, filter)
			return nil
		},
	}
}

func printCheck(w io.Writer, cfg *config.Config, filter *mirror.ExclusionFilter) {
	fmt.Fprintf(w, "%s %s\n", cyan("config"), cfg.Path)
	fmt.Fprintf(w, "%s %s\n", cyan("interval"), cfg.Interval())
	fmt.Fprintf(w, "%s %s\n", cyan("listens"), strings.Join(cfg.Listens, ", "))

	for _, p := range cfg.Paths {
		fmt.Fprintf(w, "%s %s\n", green("watch"), p.Watch)
		for _, s := range p.Syncs {
			fmt.Fprintf(w, "  -> %s\n", s)
		}
	}

	if exts := filter.Extensions(); len(exts) > 0 {
		fmt.Fprintf(w, "%s %s\n", red("exclude exts"), strings.Join(exts, ", "))
	}
	for _, p := range filter.Paths() {
		fmt.Fprintf(w, "%s %s\n", red("exclude path"), p)
	}
	for _, p := range cfg.ExcludePatterns {
		fmt.Fprintf(w, "%s %s\n", red("exclude pattern"), p)
	}
	if cfg.Journal != "" {
		fmt.Fprintf(w, "%s %s\n", cyan("journal"), cfg.Journal)
	}
}
