// Package fixtures resolves and reads the npz archives used as inputs and references.
//
// Archives are looked up in a local directory and, optionally, downloaded from a HuggingFace
// repository when not found locally.
package fixtures

import (
	"os"
	"path/filepath"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store resolves fixture names to files.
type Store struct {
	dir  string
	repo *hub.Repo
}

// NewStore creates a Store rooted in dir. An empty dir means the current directory.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{dir: dir}
}

// WithHub configures a HuggingFace repository to download fixtures not found locally.
// The authToken may be empty for public repositories.
func (s *Store) WithHub(repoID, authToken string) *Store {
	if repoID == "" {
		s.repo = nil
		return s
	}
	s.repo = hub.New(repoID).WithAuth(authToken)
	return s
}

// Dir returns the local directory of the store.
func (s *Store) Dir() string { return s.dir }

// LocalPath is the local path a fixture name resolves to, whether it exists or not.
func (s *Store) LocalPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dir, name)
}

// Path returns the path of an existing fixture, downloading it from the hub if configured.
func (s *Store) Path(name string) (string, error) {
	localPath := s.LocalPath(name)
	_, err := os.Stat(localPath)
	if err == nil {
		return localPath, nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to access fixture %q", localPath)
	}
	if s.repo == nil || filepath.IsAbs(name) {
		return "", errors.Errorf("fixture %q not found in %q", name, s.dir)
	}
	klog.V(1).Infof("fixture %q not found locally, downloading it from the hub", name)
	downloaded, err := s.repo.DownloadFile(filepath.ToSlash(name))
	if err != nil {
		return "", errors.WithMessagef(err, "fixture %q not found in %q and failed to download it", name, s.dir)
	}
	return downloaded, nil
}

// ReadNpz reads all arrays of the named npz archive.
func (s *Store) ReadNpz(name string) (map[string]*tensors.Tensor, error) {
	filePath, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	arrays, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read fixture %q", filePath)
	}
	klog.V(2).Infof("read %d arrays from %q", len(arrays), filePath)
	return arrays, nil
}

// WriteNpz writes the arrays to the named npz archive in the local directory, creating the directory if needed.
func (s *Store) WriteNpz(name string, arrays map[string]*tensors.Tensor) error {
	filePath := s.LocalPath(name)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for fixture %q", filePath)
	}
	if err := numpy.ToNpzFile(arrays, filePath); err != nil {
		return errors.WithMessagef(err, "failed to write fixture %q", filePath)
	}
	klog.V(1).Infof("wrote %d arrays to %q", len(arrays), filePath)
	return nil
}

// Require returns the array stored under key, or an error naming the archive and the key.
func Require(arrays map[string]*tensors.Tensor, archive, key string) (*tensors.Tensor, error) {
	t, found := arrays[key]
	if !found || t == nil {
		return nil, errors.Errorf("fixture %q has no array %q", archive, key)
	}
	return t, nil
}

// Release finalizes all arrays in the map, except those listed in keep.
func Release(arrays map[string]*tensors.Tensor, keep ...string) {
	kept := make(map[string]bool, len(keep))
	for _, key := range keep {
		kept[key] = true
	}
	for key, t := range arrays {
		if kept[key] || t == nil {
			continue
		}
		t.FinalizeAll()
	}
}
