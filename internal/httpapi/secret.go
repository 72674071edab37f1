package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var errSecretUnset = errors.New("webhook secret is not configured")

// SecretSource supplies the shared secret used to verify webhook signatures.
type SecretSource interface {
	Secret() (string, error)
}

type StaticSecret string

func (s StaticSecret) Secret() (string, error) {
	value := strings.TrimSpace(string(s))
	if value == "" {
		return "", errSecretUnset
	}
	return value, nil
}

// FileSecret reads the secret from a file and reloads it whenever the file
// is written or replaced. A failed reload keeps the previous value.
type FileSecret struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.RWMutex
	value string
}

func NewFileSecret(path string, logger *slog.Logger) (*FileSecret, error) {
	path = filepath.Clean(strings.TrimSpace(path))
	if path == "" || path == "." {
		return nil, errors.New("secret file path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSecret{
		path:   path,
		logger: logger.With("component", "webhook_secret", "path", path),
		done:   make(chan struct{}),
	}
	value, err := readSecretFile(path)
	if err != nil {
		return nil, err
	}
	fs.value = value

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory so editors and secret mounts that replace the
	// file by rename are still observed.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	fs.watcher = watcher
	fs.wg.Add(1)
	go fs.processEvents()
	return fs, nil
}

func (f *FileSecret) Secret() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.value == "" {
		return "", errSecretUnset
	}
	return f.value, nil
}

func (f *FileSecret) Close() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	close(f.done)
	err := f.watcher.Close()
	f.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (f *FileSecret) processEvents() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				f.reload()
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("secret watcher error", "error", err)
		}
	}
}

func (f *FileSecret) reload() {
	value, err := readSecretFile(f.path)
	if err != nil {
		f.logger.Warn("secret reload failed, keeping previous value", "error", err)
		return
	}
	f.mu.Lock()
	changed := f.value != value
	f.value = value
	f.mu.Unlock()
	if changed {
		f.logger.Info("webhook secret reloaded")
	}
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return "", fmt.Errorf("secret file %s is empty", path)
	}
	return value, nil
}
