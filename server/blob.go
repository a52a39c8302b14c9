package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// fileStore holds uploaded notebooks on the local filesystem.
// Everything under its root is also served read-only at /files/,
// so a stored file's link is just its path relative to the root.
var fileStore *FileStore

type FileStore struct {
	root string
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Save writes content under the given category with a name derived
// from the content hash and the given name. Callers include the owning
// record's id in the name, so re-saving a record's content is cheap
// but no two records ever share a stored file (Delete is
// unconditional). It returns the absolute path and the public link for
// the stored file.
func (fs *FileStore) Save(category, name string, content []byte) (path, link string, err error) {
	sum := sha256.Sum256(content)
	base := hex.EncodeToString(sum[:16]) + sanitizeFileName(name)
	dir := filepath.Join(fs.root, category)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("creating file store directory: %v", err)
	}
	path = filepath.Join(dir, base)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", "", fmt.Errorf("writing stored file: %v", err)
	}
	link = "/files/" + category + "/" + base
	return path, link, nil
}

func (fs *FileStore) Load(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, fs.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("stored file path %q is outside the file store", path)
	}
	return os.ReadFile(clean)
}

// Delete removes a stored file. A missing file is not an error, the
// goal state is the same either way.
func (fs *FileStore) Delete(path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, fs.root+string(filepath.Separator)) {
		return fmt.Errorf("stored file path %q is outside the file store", path)
	}
	if err := os.Remove(clean); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFileName reduces an uploaded file name to a safe suffix for
// the stored name: letters, digits, dots, dashes, and underscores only.
func sanitizeFileName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	b.WriteByte('-')
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '.' || ch == '-' || ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
