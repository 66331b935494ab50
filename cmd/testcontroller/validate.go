package main

import (
	"fmt"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/pipeline"
	"github.com/ethpandaops/testcontroller/pkg/stages"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and load every extension",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		dir := extension.NewDirectory(log)
		if err := stages.Register(dir); err != nil {
			return fmt.Errorf("registering built-in extensions: %w", err)
		}

		p := pipeline.NewPipeline(log, cfg, dir)
		if err := p.Prepare(cmd.Context()); err != nil {
			return fmt.Errorf("preparing pipeline: %w", err)
		}

		hosts := make([]string, 0, len(p.Machines()))
		for _, m := range p.Machines() {
			hosts = append(hosts, m.Hostname)
		}

		log.WithFields(logrus.Fields{
			"plugins":  len(cfg.Plugins),
			"machines": hosts,
		}).Info("Configuration is valid")

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
