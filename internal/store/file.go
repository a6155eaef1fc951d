package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// FileStore persists one JSON document per build under a directory.
// It serializes writers within one process only.
type FileStore struct {
	docStore
	files *fileBackend
}

// NewFileStore creates a file store rooted at dir
func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	files := &fileBackend{
		buildDir:   filepath.Join(dir, "builds"),
		archiveDir: filepath.Join(dir, "archive"),
		logger:     log,
	}
	for _, d := range []string{files.buildDir, files.archiveDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory %s: %w", d, err)
		}
	}
	return &FileStore{
		docStore: docStore{backend: files, now: time.Now},
		files:    files,
	}, nil
}

type fileBackend struct {
	buildDir   string
	archiveDir string
	logger     logger.Logger
}

func (f *fileBackend) path(buildID string) string {
	return filepath.Join(f.buildDir, buildID+".json")
}

func (f *fileBackend) load(buildID string) (*types.BuildTree, error) {
	data, err := os.ReadFile(f.path(buildID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("build %s: %w", buildID, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: read build %s: %v", ErrUnavailable, buildID, err)
	}

	var tree types.BuildTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse build file %s: %w", buildID, err)
	}
	return &tree, nil
}

func (f *fileBackend) save(tree *types.BuildTree) error {
	file := f.path(tree.Build.BuildID)

	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal build: %w", err)
	}

	// Write atomically
	tempFile := file + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("%w: write build file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tempFile, file); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("%w: rename build file: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *fileBackend) exists(buildID string) (bool, error) {
	for _, p := range []string{f.path(buildID), filepath.Join(f.archiveDir, buildID+".json")} {
		_, err := os.Stat(p)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: stat %s: %v", ErrUnavailable, p, err)
		}
	}
	return false, nil
}

func (f *fileBackend) archive(buildID string) error {
	src := f.path(buildID)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("build %s: %w", buildID, ErrNotFound)
	}
	if err := os.Rename(src, filepath.Join(f.archiveDir, buildID+".json")); err != nil {
		return fmt.Errorf("%w: archive build %s: %v", ErrUnavailable, buildID, err)
	}
	return nil
}

func (f *fileBackend) list() ([]string, error) {
	entries, err := os.ReadDir(f.buildDir)
	if err != nil {
		return nil, fmt.Errorf("%w: read build directory: %v", ErrUnavailable, err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			if strings.HasSuffix(name, ".tmp") {
				f.logger.Debug("Ignoring interrupted write", logger.WithField("file", name))
			}
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (f *fileBackend) ping() error {
	if _, err := os.Stat(f.buildDir); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
