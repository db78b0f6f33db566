package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration operations",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and print the resolved values",
	Long:  "Loads --config with defaults and DLPWATCH_* overrides applied, validates\nit and prints the result as YAML. The API token is masked.",
	Args:  cobra.NoArgs,
	RunE:  runConfigCheck,
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), string(out))
	if err := cfg.IdentityErr(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: agent id is not persistent: %v\n", err)
	}
	fmt.Fprintf(os.Stderr, "OK: %s\n", configPath)
	return nil
}
