// Package artifacts stores fetched blobs (HTML, screenshots, HAR files,
// OCR text) and returns opaque locations plus content checksums. Backends:
// local filesystem and S3-compatible object storage.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/pithecene-io/prospect/types"
)

// Writer stores one artifact blob and returns its location string.
type Writer interface {
	// Put writes body under a backend-chosen key derived from the job and
	// artifact type, returning the opaque location.
	Put(ctx context.Context, jobID uuid.UUID, kind types.ArtifactType, body []byte) (location string, err error)
}

// Save writes the blob through w and returns the artifact row to persist.
// The checksum is the hex SHA-256 of the body.
func Save(ctx context.Context, w Writer, jobID uuid.UUID, kind types.ArtifactType, body []byte) (*types.Artifact, error) {
	location, err := w.Put(ctx, jobID, kind, body)
	if err != nil {
		return nil, fmt.Errorf("artifacts: put %s/%s: %w", jobID, kind, err)
	}
	sum := sha256.Sum256(body)
	return &types.Artifact{
		JobID:    jobID,
		Type:     kind,
		Location: location,
		Checksum: hex.EncodeToString(sum[:]),
	}, nil
}

// ext maps artifact types to file extensions.
func ext(kind types.ArtifactType) string {
	switch kind {
	case types.ArtifactHTML:
		return "html"
	case types.ArtifactScreenshot:
		return "png"
	case types.ArtifactHAR:
		return "har"
	case types.ArtifactOCR:
		return "txt"
	default:
		return "bin"
	}
}

// objectKey is the shared layout for both backends: jobs/<id>/<type>.<ext>.
// A retry overwrites the previous blob, matching the one-artifact-per-
// (job, type) row contract.
func objectKey(jobID uuid.UUID, kind types.ArtifactType) string {
	return fmt.Sprintf("jobs/%s/%s.%s", jobID, kind, ext(kind))
}
