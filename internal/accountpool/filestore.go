package accountpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/constant"
)

// FileStore persists one credential per JSON file in a flat directory, the
// layout the login command writes. The file's base name is the credential's
// id; its content is the metadata object (tokens, client registration,
// expiry, label).
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore builds a file-backed store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Load reads every .json credential in the directory. A missing directory is
// an empty pool, not an error; individual unreadable files are skipped so one
// corrupt credential cannot take the rest of the pool down with it.
func (s *FileStore) Load(_ context.Context) ([]*Auth, error) {
	if s.dir == "" {
		return nil, fmt.Errorf("auth filestore: directory not configured")
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth filestore: read directory: %w", err)
	}

	var auths []*Auth
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".json") {
			continue
		}
		auth, errRead := s.readCredential(entry.Name())
		if errRead != nil {
			log.Debugf("auth filestore: skipping %s: %v", entry.Name(), errRead)
			continue
		}
		auths = append(auths, auth)
	}
	return auths, nil
}

// Save writes auth's metadata back to its file atomically (temp file plus
// rename). Content-identical writes are skipped so a token-refresh pass that
// changed nothing does not ripple through the directory watcher.
func (s *FileStore) Save(_ context.Context, auth *Auth) error {
	if auth == nil {
		return fmt.Errorf("auth filestore: auth is nil")
	}
	path, err := s.credentialPath(auth.ID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(auth.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("auth filestore: marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, errRead := os.ReadFile(path); errRead == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err = os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("auth filestore: create directory: %w", err)
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("auth filestore: write temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("auth filestore: rename: %w", err)
	}
	return nil
}

// Remove deletes the credential's file; a file already gone is not an error.
func (s *FileStore) Remove(_ context.Context, id string) error {
	path, err := s.credentialPath(id)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("auth filestore: remove: %w", err)
	}
	return nil
}

func (s *FileStore) readCredential(name string) (*Auth, error) {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	metadata := make(map[string]any)
	if err = json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}

	provider, _ := metadata["type"].(string)
	if provider == "" {
		provider = constant.ProviderAmazonQ
	}

	info, err := os.Stat(path)
	modTime := time.Now()
	if err == nil {
		modTime = info.ModTime()
	}

	auth := &Auth{
		ID:         name,
		Provider:   provider,
		Label:      credentialLabel(metadata),
		Status:     StatusActive,
		Attributes: map[string]string{"path": path},
		Metadata:   metadata,
		CreatedAt:  modTime,
		UpdatedAt:  modTime,
	}
	return auth, nil
}

// credentialPath resolves id inside the store directory, refusing ids that
// would escape it.
func (s *FileStore) credentialPath(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("auth filestore: id is empty")
	}
	if id != filepath.Base(id) {
		return "", fmt.Errorf("auth filestore: invalid credential id %q", id)
	}
	return filepath.Join(s.dir, id), nil
}

func credentialLabel(metadata map[string]any) string {
	for _, key := range []string{"label", "email"} {
		if v, ok := metadata[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
