package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps one file per key under <dir>/<profile>. Writes go through
// a temp file and rename, so watchers in other processes sharing the
// directory only ever observe complete values.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	watchers map[string]map[int]func(Change)
	nextID   int
	doneCh   chan struct{}
	closed   bool
}

// NewFileStore creates a file-backed store rooted at dir for profile.
func NewFileStore(dir, profile string, logger *slog.Logger) (*FileStore, error) {
	if profile == "" {
		profile = DefaultProfile
	}
	if logger == nil {
		logger = slog.Default()
	}

	root := filepath.Join(dir, url.PathEscape(profile))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	return &FileStore{
		dir:      root,
		logger:   logger.With("component", "kv.file"),
		watchers: make(map[string]map[int]func(Change)),
	}, nil
}

// Dir returns the directory holding this profile's files.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key))
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	if f.isClosed() {
		return nil, ErrStoreClosed
	}

	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set implements Store.
func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	if f.isClosed() {
		return ErrStoreClosed
	}

	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if f.isClosed() {
		return ErrStoreClosed
	}

	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Watch implements Watcher. The directory watcher is started on first use.
func (f *FileStore) Watch(key string, fn func(Change)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	if f.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Add(f.dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", f.dir, err)
		}
		f.watcher = w
		f.doneCh = make(chan struct{})
		go f.run(w, f.doneCh)
	}

	name := url.PathEscape(key)
	if f.watchers[name] == nil {
		f.watchers[name] = make(map[int]func(Change))
	}
	id := f.nextID
	f.nextID++
	f.watchers[name][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.watchers[name], id)
			f.mu.Unlock()
		})
	}, nil
}

// run dispatches filesystem events to key watchers.
func (f *FileStore) run(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			if strings.HasPrefix(name, ".tmp-") {
				continue
			}
			f.dispatch(name, ev.Name)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("watcher error", "error", err)
		}
	}
}

func (f *FileStore) dispatch(name, path string) {
	f.mu.Lock()
	fns := make([]func(Change), 0, len(f.watchers[name]))
	for _, fn := range f.watchers[name] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	if len(fns) == 0 {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		f.logger.Debug("changed file unreadable", "path", path, "error", err)
		return
	}

	key, err := url.PathUnescape(name)
	if err != nil {
		key = name
	}
	for _, fn := range fns {
		fn(Change{Key: key, Value: data})
	}
}

func (f *FileStore) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close implements Store. It stops the watcher goroutine and waits for it.
func (f *FileStore) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	w, done := f.watcher, f.doneCh
	f.watchers = nil
	f.mu.Unlock()

	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	return err
}
