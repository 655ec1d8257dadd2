package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/parley/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Configuration written to: %s\n", path)
	cmd.Println("Add an engine profile and a tool_channel command, then run: parley serve")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cmd.Printf("# %s\n", loader.GetConfigPath())
	cmd.Println(cfg.String())

	if err := cfg.Validate(); err != nil {
		cmd.Printf("# invalid: %v\n", err)
	}
	for _, warning := range config.NewValidator().ValidateConfig(cfg) {
		cmd.Printf("# warning: %v\n", warning)
	}
	return nil
}
