package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileWatchSettle = 500 * time.Millisecond

// FileEngine persists the full key set as one JSON document. The document is
// loaded into an in-memory cache on first access and flushed with a
// tmp+rename on every mutation. When the backing file is replaced by an
// external writer the cache is invalidated and reloaded on the next read.
type FileEngine struct {
	path string
	logf Logf

	mu        sync.Mutex
	cache     map[string]string
	loaded    bool
	flushedAt time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewFileEngine(path string, logf Logf) (*FileEngine, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file engine path is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	e := &FileEngine{
		path: path,
		logf: logf,
		done: make(chan struct{}),
	}
	// The watcher is best effort: losing it costs cache invalidation on
	// external rewrites, not correctness of this process's own writes.
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(dir); addErr != nil {
			_ = watcher.Close()
			e.logf("file engine: watch %s failed: %v", dir, addErr)
		} else {
			e.watcher = watcher
			e.wg.Add(1)
			go e.watchLoop()
		}
	} else {
		e.logf("file engine: fsnotify unavailable: %v", err)
	}
	return e, nil
}

func (e *FileEngine) GetItem(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return "", false, err
	}
	value, ok := e.cache[key]
	return value, ok, nil
}

func (e *FileEngine) SetItem(_ context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return err
	}
	e.cache[key] = value
	return e.flushLocked()
}

func (e *FileEngine) RemoveItem(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := e.cache[key]; !ok {
		return nil
	}
	delete(e.cache, key)
	return e.flushLocked()
}

func (e *FileEngine) ListKeys(_ context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(e.cache))
	for key := range e.cache {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (e *FileEngine) Close() error {
	close(e.done)
	if e.watcher != nil {
		_ = e.watcher.Close()
	}
	e.wg.Wait()
	return nil
}

func (e *FileEngine) ensureLoadedLocked() error {
	if e.loaded {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.cache = map[string]string{}
			e.loaded = true
			return nil
		}
		return err
	}
	items := map[string]string{}
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	e.cache = items
	e.loaded = true
	return nil
}

func (e *FileEngine) flushLocked() error {
	data, err := json.Marshal(e.cache)
	if err != nil {
		return err
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, e.path); err != nil {
		return err
	}
	e.flushedAt = time.Now()
	return nil
}

func (e *FileEngine) watchLoop() {
	defer e.wg.Done()
	base := filepath.Base(e.path)
	for {
		select {
		case <-e.done:
			return
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			e.mu.Lock()
			// Events fired right after our own rename are echoes of the
			// flush, not an external writer.
			if time.Since(e.flushedAt) > fileWatchSettle && e.loaded {
				e.loaded = false
				e.logf("file engine: %s changed externally, cache invalidated", e.path)
			}
			e.mu.Unlock()
		case watchErr, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logf("file engine: watch error: %v", watchErr)
		}
	}
}
