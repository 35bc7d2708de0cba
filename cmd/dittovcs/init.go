package main

import (
	"github.com/marmos91/dittovcs/internal/ui"
	"github.com/marmos91/dittovcs/pkg/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		Long: `Write a configuration file holding every default value.

The file is written to --config when given, otherwise to
$XDG_CONFIG_HOME/dittovcs/config.yaml.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")

			var (
				written string
				err     error
			)
			if path != "" {
				written, err = config.InitConfigToPath(path, force)
			} else {
				written, err = config.InitConfig(force)
			}
			if err != nil {
				return err
			}

			defer ui.SetOutput(cmd.OutOrStdout())()
			ui.Printf("Created %s\n\n", written)
			ui.Printf("Next steps:\n")
			ui.Printf("  1. Set server.directory and storage.local.path\n")
			ui.Printf("  2. Run 'dittovcs serve'\n")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return cmd
}
