// Package localbackup copies a local source tree into a timestamp-named
// destination directory.
package localbackup

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
	"github.com/yatb/yatb/internal/services/verify"
)

// Service defines the interface for local backup execution.
type Service interface {
	Execute(ctx context.Context, profile models.Profile, timestamp string) (*models.TransferResult, error)
}

// Impl implements the local backup Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new local backup service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// Execute copies the profile's source tree into
// <dest>/<timestamp>/, preserving structure. Files are written to a
// temporary name and renamed into place so an error mid-copy never
// leaves a partially written destination entry.
func (s *Impl) Execute(ctx context.Context, profile models.Profile, timestamp string) (*models.TransferResult, error) {
	result := &models.TransferResult{}

	source := profile.SourcePath
	info, err := os.Stat(source)
	if err != nil {
		return result, models.NewRunError(models.ErrTransfer, source, fmt.Errorf("source path: %w", err))
	}
	if !info.IsDir() {
		return result, models.NewRunError(models.ErrTransfer, source, fmt.Errorf("source path is not a directory"))
	}

	destRoot := filepath.Join(profile.DestPath, timestamp)
	if err := checkDestOutsideSource(source, destRoot); err != nil {
		return result, err
	}
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return result, models.NewRunError(models.ErrTransfer, destRoot, fmt.Errorf("creating destination: %w", err))
	}
	result.ArtifactDir = destRoot

	s.logger.Info().
		Str("profile", profile.ID).
		Str("source", source).
		Str("dest", destRoot).
		Msg("starting local backup")

	var failed []string
	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, relErr := filepath.Rel(source, path)
		if relErr != nil {
			return relErr
		}
		if verify.Excluded(rel, profile.ExcludePatterns) {
			result.FilesSkipped++
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		destPath := filepath.Join(destRoot, rel)
		if d.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}
		if !d.Type().IsRegular() {
			result.FilesSkipped++
			return nil
		}

		n, copyErr := copyFile(path, destPath)
		if copyErr != nil {
			failed = append(failed, path)
			result.Log = append(result.Log, fmt.Sprintf("copy failed for %s: %v", path, copyErr))
			s.logger.Warn().Err(copyErr).Str("file", path).Msg("copy failed")
			return nil
		}
		result.BytesTransferred += n
		result.FilesCopied++
		return nil
	})
	if walkErr != nil {
		return result, models.NewRunError(models.ErrTransfer, source, walkErr)
	}

	s.logger.Info().
		Str("profile", profile.ID).
		Int("copied", result.FilesCopied).
		Int("skipped", result.FilesSkipped).
		Int64("bytes", result.BytesTransferred).
		Msg("local backup finished")

	if len(failed) > 0 {
		return result, models.NewRunError(models.ErrTransfer, failed[0],
			fmt.Errorf("%d of %d files failed to copy", len(failed), result.FilesCopied+len(failed)))
	}
	return result, nil
}

// copyFile copies src to dst via a temporary file and an atomic rename,
// preserving the source mode. It returns the number of bytes copied.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, in)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

// checkDestOutsideSource refuses a destination nested under the source,
// which would make the copy feed on its own output.
func checkDestOutsideSource(source, dest string) error {
	absSource, err := filepath.Abs(source)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, source, err)
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return models.NewRunError(models.ErrTransfer, dest, err)
	}
	if absDest == absSource || strings.HasPrefix(absDest, absSource+string(os.PathSeparator)) {
		return models.NewRunError(models.ErrConfiguration, dest,
			fmt.Errorf("destination cannot be inside source"))
	}
	return nil
}
