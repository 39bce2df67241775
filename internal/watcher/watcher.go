// Package watcher monitors the configuration file and the auth directory,
// reloading the account pool and the server configuration when either
// changes on disk.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/claudeq/gateway/internal/config"
	"github.com/claudeq/gateway/internal/logging"
)

// Watcher watches the config file and auth directory for changes.
type Watcher struct {
	configPath string
	authDir    string

	onConfig func(*config.Config)
	onAuth   func()

	watcher *fsnotify.Watcher

	mu             sync.Mutex
	lastConfigHash string
}

// NewWatcher builds a watcher over configPath and authDir. onConfig fires
// with the freshly parsed configuration after a config change; onAuth fires
// after any .json credential file is created, written, or removed.
func NewWatcher(configPath, authDir string, onConfig func(*config.Config), onAuth func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		authDir:    authDir,
		onConfig:   onConfig,
		onAuth:     onAuth,
		watcher:    fsWatcher,
	}, nil
}

// Start registers the watch paths and begins processing events until ctx is
// cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("watcher: failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watcher: watching config file %s", w.configPath)

	if err := w.watcher.Add(w.authDir); err != nil {
		log.Errorf("watcher: failed to watch auth directory %s: %v", w.authDir, err)
		return err
	}
	log.Debugf("watcher: watching auth directory %s", w.authDir)

	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	isWriteLike := event.Op&(fsnotify.Write|fsnotify.Create) != 0

	if event.Name == w.configPath && isWriteLike {
		w.handleConfigChange()
		return
	}

	isAuthJSON := strings.HasPrefix(event.Name, w.authDir) && strings.HasSuffix(event.Name, ".json")
	if isAuthJSON && (isWriteLike || event.Op&fsnotify.Remove != 0) {
		log.Infof("watcher: auth file changed (%s): %s", event.Op, event.Name)
		if w.onAuth != nil {
			w.onAuth()
		}
	}
}

// handleConfigChange re-reads the config file, skipping reloads whose
// content hash matches the previous one (editors often emit several write
// events for one save).
func (w *Watcher) handleConfigChange() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("watcher: failed to read config file: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("watcher: ignoring empty config write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	if !unchanged {
		w.lastConfigHash = newHash
	}
	w.mu.Unlock()
	if unchanged {
		log.Debugf("watcher: config content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("watcher: failed to reload config: %v", err)
		return
	}
	log.Infof("watcher: config file changed, reloading: %s", w.configPath)
	logging.SetLevel(cfg.Debug)
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}
