// Package analyze derives secondary artifacts from golden repos: repo
// descriptions and the shared dependency map. The heavy lifting is done by
// an external analyzer collaborator; this package decides when to invoke
// it, throttles it, and stores what it returns.
package analyze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"codequarry/internal/snapshot"
)

// Analyzer produces text from a prompt. Implementations wrap an external
// LLM CLI; tests use fakes.
type Analyzer interface {
	Run(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// NewLimiter returns the shared analyzer rate limiter for
// analyzer_rate_per_minute invocations.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// maxListing caps how many file paths a prompt carries.
const maxListing = 200

// contentHash fingerprints a snapshot tree by its file paths and sizes.
// Content is not read: a rebuilt snapshot with identical files hashes the
// same, which is what lets description refreshes skip unchanged repos.
func contentHash(dir string) (string, error) {
	var lines []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == snapshot.VersionedDir || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%s\x00%d", filepath.ToSlash(rel), info.Size()))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", dir, err)
	}
	slices.Sort(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// listing returns up to maxListing relative file paths under dir, sorted.
func listing(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == snapshot.VersionedDir || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	if len(files) > maxListing {
		files = files[:maxListing]
	}
	return files, nil
}
