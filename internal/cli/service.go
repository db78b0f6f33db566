package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dlpwatch/internal/systemd"
)

var (
	serviceBinary string
	serviceUnit   string
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceUnitCmd)
	serviceCmd.AddCommand(serviceRecordCmd)
	serviceCmd.AddCommand(serviceCheckCmd)
	serviceUnitCmd.Flags().StringVar(&serviceBinary, "binary", systemd.DefaultBinary, "Path of the installed dlpwatch binary")
	serviceCmd.PersistentFlags().StringVar(&serviceUnit, "unit", systemd.DefaultUnitPath, "Path of the installed unit file")
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "systemd service helpers",
}

var serviceUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print a systemd unit for the agent",
	Long:  "Renders a hardened systemd unit that runs 'dlpwatch run' with --config.\nThe spool and audit log directories from the config are made writable.",
	Args:  cobra.NoArgs,
	RunE:  runServiceUnit,
}

var serviceRecordCmd = &cobra.Command{
	Use:   "record-hash",
	Short: "Record the install-time hash of the unit file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := systemd.RecordUnitHash(serviceUnit, systemd.HashPath(serviceUnit)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recorded %s\n", systemd.HashPath(serviceUnit))
		return nil
	},
}

var serviceCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Compare the unit file against its recorded hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if msg := systemd.CheckUnitFile(serviceUnit, systemd.HashPath(serviceUnit)); msg != "" {
			return fmt.Errorf("%s", msg)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %s\n", serviceUnit)
		return nil
	},
}

func runServiceUnit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfgAbs, err := filepath.Abs(configPath)
	if err != nil {
		cfgAbs = configPath
	}
	unit, err := systemd.AgentUnit(systemd.UnitOptions{
		Binary:     serviceBinary,
		ConfigPath: cfgAbs,
		StateFiles: []string{cfg.SpoolPath, cfg.AuditLog, cfg.AgentIDFile},
	})
	if err != nil {
		return fmt.Errorf("render unit: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), unit)
	return nil
}
