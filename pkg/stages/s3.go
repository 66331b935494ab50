package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/testcontroller/pkg/extension"
	"github.com/ethpandaops/testcontroller/pkg/upload"
	"github.com/sirupsen/logrus"
)

// s3Reporter uploads the output directory of a run to S3.
type s3Reporter struct {
	base
	log       logrus.FieldLogger
	uploader  upload.Uploader
	outputDir string
	results   *extension.Results
}

// Ensure interface compliance.
var _ extension.Reporter = (*s3Reporter)(nil)

// NewS3Reporter builds the S3 upload reporter.
func NewS3Reporter(fc extension.FactoryContext) (extension.Extension, error) {
	var cfg upload.S3Config
	if err := decodeOptions(fc.Options, &cfg); err != nil {
		return nil, err
	}

	uploader, err := upload.NewS3Uploader(fc.Log, &cfg)
	if err != nil {
		return nil, err
	}

	return newS3Reporter(fc, uploader), nil
}

func newS3Reporter(fc extension.FactoryContext, uploader upload.Uploader) *s3Reporter {
	return &s3Reporter{
		base:      base{name: fc.Name, role: extension.RoleReporter},
		log:       fc.Log.WithField("component", "s3-reporter"),
		uploader:  uploader,
		outputDir: fc.OutputDir,
	}
}

func (s *s3Reporter) SetResults(results *extension.Results) {
	s.results = results
}

func (s *s3Reporter) Execute(ctx context.Context) error {
	if s.results == nil {
		return errors.New("no results to report")
	}

	if s.results.DryRun {
		s.log.Info("Dry run, skipping upload")

		return nil
	}

	dir := s.results.OutputDir
	if dir == "" {
		dir = s.outputDir
	}

	if err := s.uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("s3 preflight: %w", err)
	}

	count, err := s.uploader.Upload(ctx, dir, s.results.RunID)
	if err != nil {
		return fmt.Errorf("uploading results: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": s.results.RunID,
		"files":  count,
	}).Info("Uploaded results")

	return nil
}
