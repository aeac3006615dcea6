// Package storage holds uploaded image bytes so jobs reference durable
// storage instead of carrying raw payloads. The service consumes the
// ObjectStore contract; a disk-backed implementation is provided for
// single-node deployments.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StorageError is an infrastructure-level, retryable failure of the
// object store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ObjectStore is the collaborator contract for durable image storage.
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, filename, userID string) (string, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// DiskStore writes objects under a local directory, one subdirectory per
// user, with collision-free generated names.
type DiskStore struct {
	root   string
	logger *zap.Logger
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(root string, logger *zap.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &DiskStore{root: root, logger: logger.Named("disk_store")}, nil
}

// Upload persists the bytes and returns a reference usable with Fetch.
func (s *DiskStore) Upload(ctx context.Context, data []byte, filename, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &StorageError{Op: "upload", Err: err}
	}

	ext := strings.ToLower(filepath.Ext(filename))
	name := fmt.Sprintf("scan_%s%s", uuid.NewString(), ext)
	dir := filepath.Join(s.root, sanitize(userID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &StorageError{Op: "upload", Err: err}
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", &StorageError{Op: "upload", Err: err}
	}

	s.logger.Debug("image stored", zap.String("path", path), zap.Int("bytes", len(data)))
	return path, nil
}

// Fetch reads back the bytes for a previously uploaded reference.
func (s *DiskStore) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "fetch", Err: err}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, &StorageError{Op: "fetch", Err: err}
	}
	return data, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
