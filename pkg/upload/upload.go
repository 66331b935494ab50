package upload

import "context"

// Uploader copies a local results directory to remote storage.
type Uploader interface {
	// Preflight writes a small marker object so misconfiguration fails
	// before anything else is uploaded.
	Preflight(ctx context.Context) error

	// Upload copies every file below localDir. keyPrefix is appended to the
	// configured prefix. It returns the number of uploaded files.
	Upload(ctx context.Context, localDir, keyPrefix string) (int, error)
}
