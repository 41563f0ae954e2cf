package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/admin"
	"github.com/GoCodeAlone/modhost/migrations"
)

// withHost opens the host for a one-shot command and closes it afterwards.
func withHost(cmd *cobra.Command, catalog *modhost.Catalog, fn func(h *host) error) error {
	h, err := openHost(cmd.Context(), configPath(cmd), catalog, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

// describe renders a structured error with its code.
func describe(err error) error {
	if code := modhost.CodeOf(err); code != "" {
		return fmt.Errorf("%s: %s", code, modhost.UserMessageOf(err))
	}
	return err
}

// NewInstallCommand creates the install command
func NewInstallCommand(catalog *modhost.Catalog) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <archive>",
		Short: "Install or update a module package",
		Long: `Install validates a module ZIP package and swaps it into the live module
directories. With --setup the module's migrations and seeds run afterwards.

Examples:
  modhost install billing-1.2.0.zip
  modhost install build/billing.zip --slug billing --setup`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			setup, _ := cmd.Flags().GetBool("setup")
			return withHost(cmd, catalog, func(h *host) error {
				res, err := h.installer.InstallFile(cmd.Context(), slug, args[0])
				if err != nil {
					return describe(err)
				}
				verb := "Updated"
				if res.Fresh {
					verb = "Installed"
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s %s (%d files)\n", verb, res.Descriptor.Slug, res.Descriptor.Version, res.Files)
				if !setup {
					return nil
				}
				reports, err := h.service.Setup(cmd.Context(), res.Descriptor.Slug)
				for _, r := range reports {
					printReport(out, r)
				}
				if err != nil {
					return describe(err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringP("slug", "s", "", "Expected module name; defaults to the manifest name")
	cmd.Flags().Bool("setup", false, "Run migrations and seeds after installing")
	return cmd
}

func printReport(w io.Writer, r *migrations.RunReport) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "%s %s: %d executed, %d already applied, %d skipped\n",
		r.Module, r.Type, len(r.Executed), len(r.AlreadyApplied), len(r.Skipped))
	for _, name := range r.Executed {
		fmt.Fprintf(w, "  + %s\n", name)
	}
	for _, name := range r.AlreadyApplied {
		fmt.Fprintf(w, "  = %s\n", name)
	}
}

func newScriptCommand(catalog *modhost.Catalog, typ migrations.ScriptType) *cobra.Command {
	return &cobra.Command{
		Use:   string(typ) + " <slug>",
		Short: fmt.Sprintf("Apply pending %s scripts of a module", typ),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHost(cmd, catalog, func(h *host) error {
				run := h.service.RunMigrations
				if typ == migrations.Seed {
					run = h.service.RunSeeds
				}
				report, err := run(cmd.Context(), args[0])
				printReport(cmd.OutOrStdout(), report)
				if err != nil {
					return describe(err)
				}
				return nil
			})
		},
	}
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(catalog *modhost.Catalog) *cobra.Command {
	cmd := newScriptCommand(catalog, migrations.Migration)
	cmd.Use = "migrate <slug>"
	return cmd
}

// NewSeedCommand creates the seed command
func NewSeedCommand(catalog *modhost.Catalog) *cobra.Command {
	return newScriptCommand(catalog, migrations.Seed)
}

// NewListCommand creates the list command
func NewListCommand(catalog *modhost.Catalog) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed modules",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withHost(cmd, catalog, func(h *host) error {
				views, err := h.service.List(cmd.Context())
				if err != nil {
					return describe(err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(views)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SLUG\tVERSION\tSTATUS\tPAYLOAD\tINTACT")
				for _, v := range views {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", v.Slug, v.Version, v.InstallStatus, payload(v), v.Intact)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON")
	return cmd
}

func payload(v admin.ModuleView) string {
	var parts []string
	if v.HasBackend {
		parts = append(parts, "backend")
	}
	if v.HasFrontend {
		parts = append(parts, "frontend")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

// NewUninstallCommand creates the uninstall command
func NewUninstallCommand(catalog *modhost.Catalog) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uninstall <slug>",
		Short: "Remove a module",
		Long: `Uninstall removes a module's files and its install record.

--data selects what else goes:
  keep       module tables and script records stay (default)
  core_only  script records are deleted, tables stay
  full       the module's uninstall scripts run and script records are deleted

Examples:
  modhost uninstall billing --confirm billing
  modhost uninstall billing --confirm billing --data full`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			confirm, _ := cmd.Flags().GetString("confirm")
			data, _ := cmd.Flags().GetString("data")
			return withHost(cmd, catalog, func(h *host) error {
				if err := h.service.Uninstall(cmd.Context(), args[0], confirm, admin.DataRemoval(data)); err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("confirm", "", "Repeat the module name to confirm")
	cmd.Flags().String("data", string(admin.KeepData), "Data removal: keep, core_only or full")
	return cmd
}
