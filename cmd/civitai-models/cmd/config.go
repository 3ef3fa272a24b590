package cmd

import (
	"fmt"
	"os"

	"go-civitai-models/internal/config"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the current settings",
	Long: `Writes the effective configuration (defaults plus any flags or CIVITAI_*
environment variables given) to the config file, e.g.
  civitai-models config init --api-key <key> --download-path ~/sd/models`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with the API key masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		return toml.NewEncoder(os.Stdout).Encode(config.Masked(appFrom(cmd).cfg))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	if force, _ := cmd.Flags().GetBool("force"); !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
		}
	}
	if err := config.Save(path, appFrom(cmd).cfg); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", path)
	return nil
}
