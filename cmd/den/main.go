// Den - autonomous multi-agent development runtime.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dragonsden/den/pkg/config"
	"github.com/dragonsden/den/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "den",
		Short:        "Den turns project ideas into code through a hierarchy of agents",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath(), "config file path")

	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the den version",
		Run: func(cmd *cobra.Command, args []string) {
			v := version
			if gitCommit != "" {
				v += fmt.Sprintf(" (git: %s)", gitCommit)
			}
			fmt.Printf("den %s\n", v)
		},
	}
}

// loadConfig reads the config file and applies the logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		if err := logger.EnableFileLogging(cfg.Logging.File); err != nil {
			logger.WarnCF("main", "file logging disabled", map[string]any{"error": err.Error()})
		}
	}
	return cfg, nil
}
