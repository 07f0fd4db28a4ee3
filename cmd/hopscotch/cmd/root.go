package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/hopscotch/internal/config"
	"github.com/psantana5/hopscotch/internal/gitops"
	"github.com/psantana5/hopscotch/pkg/logging"
	"github.com/psantana5/hopscotch/pkg/tracing"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	logLevel     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "hopscotch",
	Short: "Self-upgrade harness with a watchdog supervisor",
	Long: `hopscotch runs a long-lived workload that can hand itself over to another
git branch of its own code, and a supervisor that rolls back to the baseline
branch when the new code fails to come up or misbehaves.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hopscotch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)
	config.BindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.hopscotch")
		}
		v.AddConfigPath("/etc/hopscotch")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}
	if logLevel != "" {
		v.Set("log.level", logLevel)
	}
}

// loadConfig decodes and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// IsJSONOutput returns true if output format is JSON
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newLogger opens <logs>/<component>.log, echoing to stdout.
func newLogger(cfg *config.Config, component string) (*logging.Logger, error) {
	return logging.NewFileLogger(cfg.Paths.LogsDir, component, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
		Backups:    cfg.Log.Backups,
	})
}

func newGit(cfg *config.Config) *gitops.Git {
	return gitops.New(gitops.Config{
		Root:     cfg.Workspace.Root,
		RepoName: cfg.Workspace.RepoName,
		Remote:   cfg.Git.Remote,
		Timeout:  cfg.Git.Timeout,
	})
}

func tracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}
}

const shutdownTimeout = 10 * time.Second
