// Package conflict decides what happens when a download target already exists
// and performs the final commit of a downloaded temp file.
package conflict

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/creator-downloader/internal/downloader"
)

// Resolver applies a downloader.ConflictPolicy before and after a download.
type Resolver struct {
	hasher downloader.FileHasher
	clock  downloader.Clock
	logger *zap.Logger
}

// New creates a Resolver. hasher and clock are required.
func New(hasher downloader.FileHasher, clock downloader.Clock, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{hasher: hasher, clock: clock, logger: logger}
}

// PreDownloadDecision is called when path already exists and reports whether
// the download should go ahead. Unknown remote sizes and failed size checks
// count as identical, so the existing file is kept.
func (r *Resolver) PreDownloadDecision(
	path string,
	remoteSize int64,
	checkSize bool,
	policy downloader.ConflictPolicy,
) bool {
	if policy == downloader.AlwaysReplace {
		return true
	}
	identical := false
	if checkSize {
		identical = r.sizeMatches(path, remoteSize)
	}
	if identical || policy == downloader.KeepExisting {
		r.logger.Debug("existing file kept",
			zap.String("path", path),
			zap.Bool("identical_size", identical),
			zap.Stringer("policy", policy),
		)
		return false
	}
	return true
}

func (r *Resolver) sizeMatches(path string, remoteSize int64) bool {
	if remoteSize <= 0 {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		r.logger.Warn("size comparison failed, assuming identical", zap.String("path", path), zap.Error(err))
		return true
	}
	if info.Size() != remoteSize {
		r.logger.Info("local and remote sizes differ, file will be downloaded again",
			zap.String("path", path),
			zap.Int64("local_size", info.Size()),
			zap.Int64("remote_size", remoteSize),
		)
		return false
	}
	return true
}

// PostDownloadCommit moves tempPath to path, resolving any file that appeared
// at path according to policy. Filesystem failures return *downloader.CommitError.
func (r *Resolver) PostDownloadCommit(path, tempPath string, policy downloader.ConflictPolicy) error {
	removeExisting := false
	exists, err := fileExists(path)
	if err != nil {
		return &downloader.CommitError{Path: path, Op: "stat", Err: err}
	}
	if exists {
		switch policy {
		case downloader.ReplaceIfDifferent, downloader.BackupIfDifferent:
			same, err := r.sameContent(path, tempPath)
			if err != nil {
				return err
			}
			if same {
				r.logger.Info("downloaded file identical to existing file, keeping original", zap.String("path", path))
				if err := os.Remove(tempPath); err != nil {
					return &downloader.CommitError{Path: tempPath, Op: "remove identical temp", Err: err}
				}
				return nil
			}
			if policy == downloader.BackupIfDifferent {
				backup := BackupPath(path, r.clock.Now().UTC().Unix())
				r.logger.Info("existing file differs, backing up",
					zap.String("path", path),
					zap.String("backup", backup),
				)
				if err := os.Rename(path, backup); err != nil {
					return &downloader.CommitError{Path: path, Op: "backup", Err: err}
				}
			} else {
				removeExisting = true
			}
		case downloader.AlwaysReplace:
			removeExisting = true
		default:
			return fmt.Errorf("%w: commit reached for %s with policy %s",
				downloader.ErrInternal, filepath.Base(path), policy)
		}
	}
	if removeExisting {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &downloader.CommitError{Path: path, Op: "remove existing", Err: err}
		}
	}
	if err := os.Rename(tempPath, path); err != nil {
		return &downloader.CommitError{Path: path, Op: "rename temp", Err: err}
	}
	return nil
}

func (r *Resolver) sameContent(path, tempPath string) (bool, error) {
	existing, err := r.hasher.HashFile(path)
	if err != nil {
		return false, &downloader.CommitError{Path: path, Op: "hash existing", Err: err}
	}
	downloaded, err := r.hasher.HashFile(tempPath)
	if err != nil {
		return false, &downloader.CommitError{Path: tempPath, Op: "hash download", Err: err}
	}
	return existing == downloaded, nil
}

// BackupPath returns "<dir>/<name>_old_<unix><ext>" for path.
func BackupPath(path string, unix int64) string {
	ext := filepath.Ext(path)
	name := strings.TrimSuffix(filepath.Base(path), ext)
	return filepath.Join(filepath.Dir(path), fmt.Sprintf("%s_old_%d%s", name, unix, ext))
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}
