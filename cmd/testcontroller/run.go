package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/testcontroller/pkg/config"
	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/pipeline"
	"github.com/ethpandaops/testcontroller/pkg/stages"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errTestsFailed = errors.New("run finished with failed tests")

var (
	outputDir      string
	testFile       string
	dryRun         bool
	retries        int
	retryThreshold int
	platformMode   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured tests",
	Long: `Read the test list, dispatch every test over the configured machines
and hand the results to the reporters. Flags override the config file.`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&outputDir, "output", "", "output directory for runner output and reports")
	runCmd.Flags().StringVar(&testFile, "file", "", `test list file ("-" reads stdin)`)
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and report the tests without running them")
	runCmd.Flags().IntVar(&retries, "retry", 0, "maximum retry rounds for failed tests")
	runCmd.Flags().IntVar(&retryThreshold, "retry-threshold", 0,
		"minimum pass percentage of a retry round for another round to start")
	runCmd.Flags().StringVar(&platformMode, "platform-mode", "",
		"how platforms are used ("+config.PlatformModeFirst+", "+config.PlatformModeAll+", "+config.PlatformModeSingle+")")
}

func runTests(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dir := extension.NewDirectory(log)
	if err := stages.Register(dir); err != nil {
		return fmt.Errorf("registering built-in extensions: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	p := pipeline.NewPipeline(log, cfg, dir)

	if err := p.Prepare(ctx); err != nil {
		return fmt.Errorf("preparing pipeline: %w", err)
	}

	// Past startup, failures are about the run rather than the invocation.
	cmd.SilenceUsage = true

	results, err := p.Run(ctx)
	if err != nil {
		return err
	}

	if results.Failed() {
		log.WithFields(logrus.Fields{
			"run_id": results.RunID,
			"faults": len(results.Faults),
		}).Error("Some tests did not pass")

		return errTestsFailed
	}

	return nil
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := cmd.Flags()

	if !flags.Changed("log-level") {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return nil, err
		}
	}

	if flags.Changed("output") {
		cfg.Global.OutputDir = outputDir
	}

	if flags.Changed("file") {
		cfg.Global.TestFile = testFile
	}

	if flags.Changed("dry-run") {
		cfg.Global.DryRun = dryRun
	}

	if flags.Changed("retry") {
		cfg.Global.Retry = retries
	}

	if flags.Changed("retry-threshold") {
		cfg.Global.RetryThreshold = retryThreshold
	}

	if flags.Changed("platform-mode") {
		cfg.Global.PlatformMode = platformMode
	}

	return cfg, nil
}
