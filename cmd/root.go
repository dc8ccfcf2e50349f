// Package cmd wires the atabus command line.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantsys/atabus/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "atabus",
	Short: "Task, event, and message substrate for cooperating agents",
	Long: `atabus runs the shared substrate a fleet of agents coordinates through:
a durable event queue with per-consumer lanes, an agent registry with
admin approval, a reviewed outbox for agent-to-agent messages, a task
orchestrator with workflow templates, and a JSON-RPC tool surface with
admin gates and audit logging.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/atabus/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "",
		"root directory for file-backed state")
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
}

func initConfig() {
	cfg = config.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .atabus/config.yaml (current directory)
		// 2. ~/.config/atabus/config.yaml (user config)
		if _, err := os.Stat(".atabus/config.yaml"); err == nil {
			viper.SetConfigFile(".atabus/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "atabus"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			home, homeErr := os.UserHomeDir()
			if homeErr == nil {
				defaultPath := filepath.Join(home, ".config", "atabus", "config.yaml")
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
			// If write fails, continue with defaults.
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
