// Command umbra runs the cross-domain correlation engine.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"umbra/internal/config"
	"umbra/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli holds what the persistent flags resolve to
type cli struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "umbra",
		Short: "Correlate tracking infrastructure across the sites you visit",
		Long: `umbra collects per-site observations (DOM friction, network latency,
trackers), and while the host is idle clusters them to find domains that
share surveillance infrastructure.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "config file (default: search "+config.EnvConfigPath+", ./umbra.yaml, XDG dirs)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newServeCmd(c),
		newRunCmd(c),
		newReportsCmd(c),
		newSignaturesCmd(c),
		newConfigCmd(c),
	)
	return root
}

// load reads the config and builds the root logger
func (c *cli) load() error {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if c.configPath != "" {
		cfg, path, err = config.LoadFromPath(c.configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return err
	}

	opts := logger.FromEnv(logger.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "umbra",
	})
	if c.logLevel != "" {
		opts.Level = c.logLevel
	}
	c.cfg = cfg
	c.log = logger.New(opts)

	if path != "" {
		c.log.Debug().Str("path", path).Msg("config loaded")
	} else {
		c.log.Debug().Msg("no config file found, using defaults")
	}
	return nil
}
