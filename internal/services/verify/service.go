// Package verify computes and compares content fingerprints of backup
// artifacts.
package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/yatb/yatb/internal/models"
)

// Service defines the interface for verification operations.
type Service interface {
	VerifyArtifacts(artifacts []models.Artifact) *models.VerificationResult
	VerifyTree(sourceDir, destDir string, excludes []string) (*models.VerificationResult, error)
	HashFile(path string) (string, int64, error)
}

// Impl implements the verify Service interface.
type Impl struct {
	logger zerolog.Logger
}

// New creates a new verify service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{logger: logger}
}

// HashFile returns the SHA256 hex digest and byte size of the file.
func (s *Impl) HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// VerifyArtifacts re-reads each artifact and compares hash and size
// against the reference measured during transfer. A mismatch never
// deletes the artifact; the discrepancy is retained for inspection.
func (s *Impl) VerifyArtifacts(artifacts []models.Artifact) *models.VerificationResult {
	result := &models.VerificationResult{Status: models.VerificationPassed}

	for _, a := range artifacts {
		result.Checked++
		actualHash, actualSize, err := s.HashFile(a.Path)
		if err != nil {
			s.recordMismatch(result, a.Path, a.SHA256, "unreadable", a.Size, 0)
			s.logger.Warn().Err(err).Str("artifact", a.Path).Msg("verification could not read artifact")
			continue
		}
		if actualSize != a.Size {
			s.recordMismatch(result, a.Path, a.SHA256, actualHash, a.Size, actualSize)
			continue
		}
		if actualHash != a.SHA256 {
			s.recordMismatch(result, a.Path, a.SHA256, actualHash, a.Size, actualSize)
		}
	}

	return result
}

// VerifyTree compares a copied destination tree against its source,
// file by file, using hash and size.
func (s *Impl) VerifyTree(sourceDir, destDir string, excludes []string) (*models.VerificationResult, error) {
	result := &models.VerificationResult{Status: models.VerificationPassed}

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(sourceDir, path)
		if relErr != nil {
			return relErr
		}
		if Excluded(rel, excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		result.Checked++
		destPath := filepath.Join(destDir, rel)

		srcHash, srcSize, hashErr := s.HashFile(path)
		if hashErr != nil {
			return hashErr
		}
		if _, statErr := os.Stat(destPath); statErr != nil {
			s.recordMismatch(result, destPath, srcHash, "missing", srcSize, 0)
			return nil
		}
		destHash, destSize, hashErr := s.HashFile(destPath)
		if hashErr != nil {
			return hashErr
		}
		if srcSize != destSize || srcHash != destHash {
			s.recordMismatch(result, destPath, srcHash, destHash, srcSize, destSize)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying tree %s: %w", destDir, err)
	}

	return result, nil
}

func (s *Impl) recordMismatch(result *models.VerificationResult, path, expectedHash, actualHash string, expectedSize, actualSize int64) {
	result.Status = models.VerificationFailed
	result.Mismatches = append(result.Mismatches, path)
	// Keep the first discrepancy's detail for the run record.
	if result.ExpectedHash == "" {
		result.ExpectedHash = expectedHash
		result.ActualHash = actualHash
		result.ExpectedSize = expectedSize
		result.ActualSize = actualSize
	}
	s.logger.Warn().
		Str("artifact", path).
		Str("expected_hash", expectedHash).
		Str("actual_hash", actualHash).
		Int64("expected_size", expectedSize).
		Int64("actual_size", actualSize).
		Msg("verification mismatch")
}

// Excluded reports whether rel matches any exclude pattern, either on
// the full relative path or on its base name.
func Excluded(rel string, patterns []string) bool {
	if rel == "" || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(rel)); ok {
			return true
		}
	}
	return false
}
