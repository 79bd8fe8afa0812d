package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tracedash/internal/config"
)

// newConfigCommand creates the config subcommand
func newConfigCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default settings",
		Long: `Write a config file with the default settings.

Every key can also be set through the environment with the TRACEDASH_ prefix,
for example TRACEDASH_POLLER_INTERVAL=500ms or TRACEDASH_SERVICE_MODE=http.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.Save(path, config.Default(), force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green("Wrote"), path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := config.Load(config.WithConfigFile(cli.configPath))
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			source := meta.ConfigFile
			if source == "" {
				source = "defaults and environment"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", gray("# resolved from "+source), data)
			return nil
		},
	})

	return cmd
}
