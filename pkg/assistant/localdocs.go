package assistant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalDocs is a DocumentService over a directory on the local
// filesystem. Paths are confined to the base directory.
type LocalDocs struct {
	base string
}

var _ DocumentService = (*LocalDocs)(nil)

// NewLocalDocs creates a DocumentService rooted at dir.
func NewLocalDocs(dir string) *LocalDocs {
	return &LocalDocs{base: dir}
}

// resolve joins path onto the base directory and rejects escapes.
func (d *LocalDocs) resolve(path string) (string, error) {
	full := filepath.Join(d.base, filepath.Clean("/"+path))
	rel, err := filepath.Rel(d.base, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes document root", path)
	}
	return full, nil
}

// Read returns the document's text content.
func (d *LocalDocs) Read(ctx context.Context, path string) (string, error) {
	full, err := d.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("reading document: %w", err)
	}
	return string(data), nil
}

// Write stores content at path, creating parent directories as needed.
// format is ignored; local storage is always plain text.
func (d *LocalDocs) Write(ctx context.Context, path, content, format string) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("creating document directory: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing document: %w", err)
	}
	return nil
}
