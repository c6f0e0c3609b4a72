package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/surge/internal/config"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a run file without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return fmt.Errorf("--config is required")
			}

			file, err := config.LoadConfig(configFile)
			if err != nil {
				printConfigErrors(cmd, err)
				return err
			}
			config.ApplyDefaults(file)

			if err := file.Validate(); err != nil {
				printConfigErrors(cmd, err)
				return err
			}

			spec := file.Spec()
			root.logger.WithField("file", configFile).Debug("Run file is valid")
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %d stages over %s, peak %.1f/s, %d workers\n",
				configFile, len(spec.Stages), spec.TotalDuration(), spec.MaxRate(), file.MaxWorkers)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Run file (YAML or JSON)")

	return cmd
}
