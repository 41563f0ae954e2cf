package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("modhost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// NewRootCommand creates the root command. catalog holds the module
// implementations compiled into the binary.
func NewRootCommand(catalog *modhost.Catalog) *cobra.Command {
	if catalog == nil {
		catalog = modhost.NewCatalog()
	}
	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - plugin runtime for multi-tenant hosts",
		Long: `modhost discovers, installs, migrates and boots host modules.

Configuration is read from the file given with --config (YAML or TOML) and
from MODHOST_* environment variables.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Path to the host configuration file")

	cmd.AddCommand(NewServeCommand(catalog))
	cmd.AddCommand(NewInstallCommand(catalog))
	cmd.AddCommand(NewMigrateCommand(catalog))
	cmd.AddCommand(NewSeedCommand(catalog))
	cmd.AddCommand(NewListCommand(catalog))
	cmd.AddCommand(NewUninstallCommand(catalog))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	})
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}
