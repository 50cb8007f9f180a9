package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "casecrawl",
	Short: "Legal case search and match engine",
	Long:  "Locates submitted cases on the research platform by citation and party name, classifies the candidates, and downloads judgments for confident matches.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := applyOverrides(cmd, c); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// applyOverrides lets command-line flags take precedence over config.yaml
// and CASECRAWL_* environment values for a single invocation.
func applyOverrides(cmd *cobra.Command, c *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		if format != "json" && format != "console" {
			return fmt.Errorf("invalid --log-format %q: want json or console", format)
		}
		c.Log.Format = format
	}
	if flags.Changed("store") {
		c.Store.Driver, _ = flags.GetString("store")
	}
	if flags.Changed("artifact-dir") {
		c.Artifacts.Backend = "local"
		c.Artifacts.Dir, _ = flags.GetString("artifact-dir")
	}
	return nil
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("log-level", "", "override log.level (debug, info, warn, error)")
	pf.String("log-format", "", "override log.format (json or console)")
	pf.String("store", "", "override store.driver (memory, sqlite, postgres)")
	pf.String("artifact-dir", "", "write judgments to this local directory instead of the configured backend")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
