package entry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/catflap-labs/onlycat-bridge/internal/util"
	log "github.com/sirupsen/logrus"
)

// FileStore persists entries as one JSON file per entry under a base directory.
// File names follow <domain>-<unique id>.json, see FileName.
type FileStore struct {
	mu      sync.Mutex
	dirLock sync.RWMutex
	baseDir string
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	s := &FileStore{}
	s.SetBaseDir(dir)
	return s
}

// SetBaseDir updates the directory used for entry files.
func (s *FileStore) SetBaseDir(dir string) {
	s.dirLock.Lock()
	s.baseDir = strings.TrimSpace(dir)
	s.dirLock.Unlock()
}

// BaseDir returns the configured directory.
func (s *FileStore) BaseDir() string {
	s.dirLock.RLock()
	defer s.dirLock.RUnlock()
	return s.baseDir
}

// FileName returns the file name used for e. Ids made only of lowercase
// letters, digits and "_@." are used as is; any other id is sanitized and
// suffixed with a hash of the raw id, so distinct ids never share a file,
// including on case-insensitive file systems.
func FileName(e *Entry) string {
	key := e.UniqueID
	if key == "" {
		key = e.EntryID
	}
	return fmt.Sprintf("%s-%s.json", util.SanitizeFileName(e.Domain), fileKey(key))
}

func fileKey(id string) string {
	if isPlainKey(id) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return util.SanitizeFileName(strings.ToLower(id)) + "-" + hex.EncodeToString(sum[:])[:12]
}

// isPlainKey reports whether id can be a file name on its own. Plain keys never
// contain "-", so they cannot collide with a hashed key.
func isPlainKey(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") {
		return false
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '@' || r == '.') {
			return false
		}
	}
	return true
}

// Save writes the entry file, skipping the write when the content is unchanged.
func (s *FileStore) Save(_ context.Context, e *Entry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", err
	}
	dir := s.BaseDir()
	if dir == "" {
		return "", fmt.Errorf("entry filestore: directory not configured")
	}
	path := e.Path
	if path == "" {
		path = filepath.Join(dir, FileName(e))
	}

	raw, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", fmt.Errorf("entry filestore: marshal entry failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("entry filestore: create dir failed: %w", err)
	}
	if existing, errRead := os.ReadFile(path); errRead == nil {
		if bytes.Equal(bytes.TrimSpace(existing), bytes.TrimSpace(raw)) {
			e.Path = path
			return path, nil
		}
	} else if !os.IsNotExist(errRead) {
		return "", fmt.Errorf("entry filestore: read existing failed: %w", errRead)
	}
	if err = writeFileAtomic(path, raw); err != nil {
		return "", err
	}
	e.Path = path
	return path, nil
}

// List reads every *.json entry file under the base directory. Unreadable files are skipped.
func (s *FileStore) List(_ context.Context) ([]*Entry, error) {
	dir := s.BaseDir()
	if dir == "" {
		return nil, fmt.Errorf("entry filestore: directory not configured")
	}
	entries := make([]*Entry, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) && path == dir {
				return filepath.SkipDir
			}
			return walkErr
		}
		if d.IsDir() {
			if path != dir && d.Name() == "logs" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".json") {
			return nil
		}
		e, errRead := ReadFile(path)
		if errRead != nil {
			log.WithError(errRead).Debugf("entry filestore: skipping %s", filepath.Base(path))
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes the file of the entry with entryID.
func (s *FileStore) Delete(ctx context.Context, entryID string) error {
	entryID = strings.TrimSpace(entryID)
	if entryID == "" {
		return fmt.Errorf("entry filestore: id is empty")
	}
	entries, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.EntryID != entryID {
			continue
		}
		if errRemove := os.Remove(e.Path); errRemove != nil && !os.IsNotExist(errRemove) {
			return fmt.Errorf("entry filestore: delete failed: %w", errRemove)
		}
		return nil
	}
	return ErrNotFound
}

// ReadFile decodes one entry file and records its path.
func ReadFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty entry file")
	}
	var e Entry
	if err = json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal entry json: %w", err)
	}
	if err = e.Validate(); err != nil {
		return nil, err
	}
	e.Path = path
	return &e, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("entry filestore: create temp file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("entry filestore: write temp file failed: %w", err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("entry filestore: chmod temp file failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("entry filestore: close temp file failed: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("entry filestore: rename failed: %w", err)
	}
	return nil
}
