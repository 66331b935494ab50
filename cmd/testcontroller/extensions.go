package main

import (
	"fmt"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/stages"
	"github.com/spf13/cobra"
)

var extensionsCmd = &cobra.Command{
	Use:   "extensions",
	Short: "List the built-in extension modules",
	Long: `List the extension modules that resolve by name. Any other plugin path
must point to a Go plugin exporting ` + extension.FactorySymbol + `.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := extension.NewDirectory(log)
		if err := stages.Register(dir); err != nil {
			return fmt.Errorf("registering built-in extensions: %w", err)
		}

		for _, name := range dir.Modules() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(extensionsCmd)
}
