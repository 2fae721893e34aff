// Package artifact implements the Artifact Store: a namespaced,
// write-once filesystem area rooted at one directory per run, with every
// write digested and catalogued for the Verifier and the final RunSummary.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nexrun/wfkernel/pkg/kernel"
)

// Store roots every path a step emits under <base>/<runID>/, rejecting
// absolute paths, parent-directory traversal, and path collisions between
// steps.
type Store struct {
	mu    sync.Mutex
	root  string
	index map[string]kernel.ArtifactDescriptor
}

// New creates a Store rooted at filepath.Join(base, runID). The directory
// is created (with parents) if it does not already exist.
func New(base, runID string) (*Store, error) {
	root := filepath.Join(base, runID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, kernel.NewErrorf(kernel.ErrCodeStore, "artifact store: create run root: %v", err)
	}
	return &Store{root: root, index: make(map[string]kernel.ArtifactDescriptor)}, nil
}

// Write stores content under the given relative path, attributed to
// producedBy. It is an error to write the same path twice (artifacts are
// immutable once emitted) or to supply a path that escapes the run root.
func (s *Store) Write(ctx context.Context, relPath, producedBy string, content []byte) (kernel.ArtifactDescriptor, error) {
	clean, err := s.resolve(relPath)
	if err != nil {
		return kernel.ArtifactDescriptor{}, err
	}

	s.mu.Lock()
	if _, exists := s.index[relPath]; exists {
		s.mu.Unlock()
		return kernel.ArtifactDescriptor{}, kernel.NewStepError(kernel.ErrCodeArtifactCollision, producedBy,
			fmt.Sprintf("artifact %q already emitted by a previous step", relPath))
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(clean), 0o755); err != nil {
		return kernel.ArtifactDescriptor{}, kernel.NewErrorf(kernel.ErrCodeStore, "artifact store: mkdir for %q: %v", relPath, err)
	}
	if err := os.WriteFile(clean, content, 0o644); err != nil {
		return kernel.ArtifactDescriptor{}, kernel.NewErrorf(kernel.ErrCodeStore, "artifact store: write %q: %v", relPath, err)
	}

	sum := sha256.Sum256(content)
	desc := kernel.ArtifactDescriptor{
		Path:       filepath.ToSlash(relPath),
		Digest:     hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(content)),
		ProducedBy: producedBy,
		MimeHint:   mimeHint(relPath),
	}

	s.mu.Lock()
	s.index[relPath] = desc
	s.mu.Unlock()
	return desc, nil
}

// Read retrieves a previously written artifact's content by its relative
// path. Used by the Verifier to evaluate schema_valid and custom gates.
func (s *Store) Read(ctx context.Context, relPath string) ([]byte, error) {
	clean, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kernel.NewErrorf(kernel.ErrCodeArtifactNotFound, "artifact %q not found", relPath)
		}
		return nil, kernel.NewErrorf(kernel.ErrCodeStore, "artifact store: open %q: %v", relPath, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, kernel.NewErrorf(kernel.ErrCodeStore, "artifact store: read %q: %v", relPath, err)
	}
	return data, nil
}

// Exists reports whether relPath has been emitted, without reading it.
func (s *Store) Exists(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[relPath]
	return ok
}

// Descriptor returns the catalogue entry for a previously emitted path.
func (s *Store) Descriptor(relPath string) (kernel.ArtifactDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.index[relPath]
	return d, ok
}

// Index returns a copy of the full path-to-descriptor catalogue, for the
// final RunSummary.
func (s *Store) Index() map[string]kernel.ArtifactDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]kernel.ArtifactDescriptor, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// ScopedWriter returns a writer that attributes every write to stepID and
// exposes nothing beyond Write: an adapter holding one cannot Read, check
// Exists, or enumerate the Index of artifacts other steps produced.
func (s *Store) ScopedWriter(stepID string) *ScopedWriter {
	return &ScopedWriter{store: s, stepID: stepID}
}

// ScopedWriter is the step-scoped handle to a Store handed to adapters
// through adapter.ExecutionInput.Artifacts.
type ScopedWriter struct {
	store  *Store
	stepID string
}

// Write stores content under relPath, attributed to the writer's step.
func (w *ScopedWriter) Write(ctx context.Context, relPath string, content []byte) (kernel.ArtifactDescriptor, error) {
	return w.store.Write(ctx, relPath, w.stepID, content)
}

// resolve rejects absolute paths and parent-directory traversal, returning
// the cleaned absolute path under the store's root.
func (s *Store) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", kernel.NewError(kernel.ErrCodePathDenied, "artifact path must not be empty")
	}
	if filepath.IsAbs(relPath) || strings.HasPrefix(filepath.ToSlash(relPath), "/") {
		return "", kernel.NewErrorf(kernel.ErrCodePathDenied, "artifact path %q must be relative", relPath)
	}

	clean := filepath.Join(s.root, filepath.Clean(relPath))
	rel, err := filepath.Rel(s.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", kernel.NewErrorf(kernel.ErrCodePathDenied, "artifact path %q escapes the run's artifact root", relPath)
	}
	return clean, nil
}

func mimeHint(relPath string) string {
	switch filepath.Ext(relPath) {
	case ".json":
		return "application/json"
	case ".txt", ".log":
		return "text/plain"
	case ".xml":
		return "application/xml"
	case ".yaml", ".yml":
		return "application/yaml"
	default:
		return ""
	}
}
