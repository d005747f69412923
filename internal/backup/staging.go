package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/droidvault/droidvault/internal/logging"
	"github.com/droidvault/droidvault/internal/safefs"
)

// ErrStagingUnavailable indicates the local staging area could not be
// created or ran out of disk space.
var ErrStagingUnavailable = errors.New("staging area unavailable")

const stagingPrefix = "droidvault-staging"

// fsTimeout bounds the filesystem probes used by the space checks.
const fsTimeout = 5 * time.Second

// StagingRegistry records live staging directories so orphans left behind by
// crashed runs can be swept later. Implemented by the orchestrator.
type StagingRegistry interface {
	Register(dir string) error
	Deregister(dir string) error
}

// StagingTree is a temporary directory holding pulled files before packaging.
// It is exclusively owned by one build invocation and removed on every exit
// path.
type StagingTree struct {
	Root     string
	logger   *logging.Logger
	registry StagingRegistry
	removed  bool
}

// NewStagingTree creates a uniquely named staging directory under baseDir.
// The registry may be nil.
func NewStagingTree(logger *logging.Logger, baseDir, serial string, registry StagingRegistry) (*StagingTree, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create staging base %s: %v", ErrStagingUnavailable, baseDir, err)
	}

	name := fmt.Sprintf("%s-%s-%s", stagingPrefix, serial, uuid.NewString())
	root := filepath.Join(baseDir, name)
	if err := os.Mkdir(root, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create staging dir %s: %v", ErrStagingUnavailable, root, err)
	}

	if registry != nil {
		if err := registry.Register(root); err != nil {
			logger.Warning("Failed to register staging dir %s: %v", root, err)
		}
	}

	logger.Debug("Created staging tree: %s", root)
	return &StagingTree{
		Root:     root,
		logger:   logger,
		registry: registry,
	}, nil
}

// Path maps an archive-relative path into the staging tree.
func (s *StagingTree) Path(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(rel))
}

// EnsureParent creates the parent directory for an archive-relative path.
func (s *StagingTree) EnsureParent(rel string) error {
	return os.MkdirAll(filepath.Dir(s.Path(rel)), 0o755)
}

// CheckFreeSpace verifies that the staging filesystem has at least required
// bytes available.
func (s *StagingTree) CheckFreeSpace(ctx context.Context, required uint64) error {
	free, err := safefs.FreeBytes(ctx, s.Root, fsTimeout)
	if err != nil {
		return fmt.Errorf("%w: cannot determine free space: %v", ErrStagingUnavailable, err)
	}
	if free < required {
		return fmt.Errorf("%w: need %d bytes, %d available", ErrStagingUnavailable, required, free)
	}
	return nil
}

// Remove deletes the staging tree. Safe to call more than once; Remove is
// deferred by every caller so the tree is gone on success, failure and
// cancellation alike.
func (s *StagingTree) Remove() error {
	if s == nil || s.removed {
		return nil
	}
	s.removed = true

	if s.registry != nil {
		if err := s.registry.Deregister(s.Root); err != nil {
			s.logger.Warning("Failed to deregister staging dir %s: %v", s.Root, err)
		}
	}

	if err := os.RemoveAll(s.Root); err != nil {
		s.logger.Warning("Failed to remove staging tree %s: %v", s.Root, err)
		return err
	}
	s.logger.Debug("Removed staging tree: %s", s.Root)
	return nil
}
