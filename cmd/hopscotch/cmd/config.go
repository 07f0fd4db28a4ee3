package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/hopscotch/internal/config"
	"github.com/psantana5/hopscotch/pkg/auth"
)

var configWritePath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print a documented example configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configWritePath == "" {
			fmt.Print(config.ExampleConfig)
			return nil
		}
		if _, err := os.Stat(configWritePath); err == nil {
			return fmt.Errorf("%s already exists", configWritePath)
		}
		if err := os.WriteFile(configWritePath, []byte(config.ExampleConfig), 0644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Example configuration written to %s\n", configWritePath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration after files and environment are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if IsJSONOutput() {
			output, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal JSON: %w", err)
			}
			fmt.Println(string(output))
			return nil
		}
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Printf("# loaded from %s\n", used)
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var configGenKeyCmd = &cobra.Command{
	Use:   "gen-key <name>",
	Short: "Generate an API key for the status server control endpoints",
	Long: `Prints a new API key and the status.api_keys entry that accepts it. Only the
bcrypt hash goes into the configuration; store the key itself somewhere safe.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.Contains(args[0], ":") {
			return fmt.Errorf("key name must not contain ':'")
		}
		key, hash, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("API key:    %s\n", key)
		fmt.Printf("Add to status.api_keys:\n  - %q\n", args[0]+":"+hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenKeyCmd)

	configExampleCmd.Flags().StringVarP(&configWritePath, "write", "w", "", "write the example to this path instead of stdout")
}
