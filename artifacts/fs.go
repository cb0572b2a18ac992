package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/pithecene-io/prospect/types"
)

// FSWriter stores artifacts under a local directory. Locations are
// "file://<absolute path>".
type FSWriter struct {
	root string
}

// NewFSWriter creates the root directory if needed.
func NewFSWriter(root string) (*FSWriter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	return &FSWriter{root: abs}, nil
}

// Put writes the blob to <root>/jobs/<id>/<type>.<ext>, overwriting any
// previous attempt's blob.
func (w *FSWriter) Put(_ context.Context, jobID uuid.UUID, kind types.ArtifactType, body []byte) (string, error) {
	path := filepath.Join(w.root, filepath.FromSlash(objectKey(jobID, kind)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
