package accounts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DocumentStore persists identity images and returns a reference to each
type DocumentStore interface {
	Save(ctx context.Context, accountID, side string, upload Upload) (string, error)
}

// DiskStore writes uploads under a local directory
type DiskStore struct {
	dir string
}

func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

// Save writes the upload as <account>-<side>-<uuid><ext> and returns the
// file name relative to the store directory.
func (s *DiskStore) Save(ctx context.Context, accountID, side string, upload Upload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(upload.Filename)))
	name := fmt.Sprintf("%s-%s-%s%s", accountID, side, uuid.New().String(), ext)

	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(f, upload.Content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	return name, nil
}
