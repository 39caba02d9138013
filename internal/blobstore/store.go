package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable indicates the backing storage rejected the
	// operation (quota, permissions, missing directory). Callers treat
	// this as degraded service, never as a fatal failure.
	ErrStorageUnavailable = errors.New("blobstore: storage unavailable")
	// ErrInvalidStoreKey indicates an empty blob key.
	ErrInvalidStoreKey = errors.New("blobstore: invalid key")

	errMissingRootDir = errors.New("root directory is required")

	noOpLogger = zap.NewNop()
)

// StoreConfig wires the dependencies of a Store.
type StoreConfig struct {
	Fs      afero.Fs
	RootDir string
	Logger  *zap.Logger
}

// Store is a best-effort key/value blob store over a filesystem. Values
// are serialized as JSON, one file per key. A blob that fails to parse
// on load is deleted and reported as absent, so a corrupted entry can
// never wedge a caller.
type Store struct {
	fs      afero.Fs
	rootDir string
	logger  *zap.Logger
}

// NewStore validates the configuration and prepares the root directory.
func NewStore(cfg StoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.RootDir) == "" {
		return nil, errMissingRootDir
	}

	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	if err := fs.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return &Store{fs: fs, rootDir: cfg.RootDir, logger: logger}, nil
}

// Save serializes the value and writes it under the key. Failures are
// reported as ErrStorageUnavailable so callers can degrade gracefully.
func (s *Store) Save(key string, value any) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("blobstore: value not serializable: %w", err)
	}

	if err := afero.WriteFile(s.fs, path, encoded, 0o644); err != nil {
		s.logger.Warn("blob write failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Load reads the blob for the key into out. It returns false when no
// blob exists. A blob that cannot be parsed is removed and treated as
// absent rather than surfaced as an error.
func (s *Store) Load(key string, out any) (bool, error) {
	path, err := s.Path(key)
	if err != nil {
		return false, err
	}

	raw, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		s.logger.Warn("blob read failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("corrupted blob dropped", zap.String("key", key), zap.Error(err))
		if removeErr := s.fs.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.logger.Warn("corrupted blob removal failed", zap.String("key", key), zap.Error(removeErr))
		}
		return false, nil
	}
	return true, nil
}

// Remove deletes the blob for the key. A missing blob is not an error.
func (s *Store) Remove(key string) error {
	path, err := s.Path(key)
	if err != nil {
		return err
	}

	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("blob removal failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// RootDir reports the directory blobs are written under.
func (s *Store) RootDir() string {
	return s.rootDir
}

// Path resolves the file path a key is stored at.
func (s *Store) Path(key string) (string, error) {
	name, err := fileName(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.rootDir, name), nil
}

// fileName maps a blob key to a flat file name. Key separators and any
// character unsafe in a file name collapse to underscores.
func fileName(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", ErrInvalidStoreKey
	}

	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.':
			return r
		default:
			return '_'
		}
	}, trimmed)
	return mapped + ".json", nil
}
