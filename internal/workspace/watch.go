package workspace

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	settleQuiet = 50 * time.Millisecond
	settleMax   = 300 * time.Millisecond
)

// Directories never descended into when tracking changes.
var skippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
}

// ChangeSet records files created or modified inside a workspace while it
// is open. Paths are relative to the workspace.
type ChangeSet struct {
	root    string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	changed map[string]struct{}
	last    atomic.Int64 // unix nanos of the latest event

	done chan struct{}
	once sync.Once
}

// Watch starts tracking changes in the user's workspace.
func (s *Store) Watch(userID string) (*ChangeSet, error) {
	dir, err := s.Acquire(userID)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cs := &ChangeSet{
		root:    dir,
		watcher: w,
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	if err := cs.addRecursive(dir); err != nil {
		w.Close()
		return nil, err
	}
	cs.last.Store(time.Now().UnixNano())
	go cs.loop()
	return cs, nil
}

func (c *ChangeSet) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && skippedDirs[d.Name()] {
			return filepath.SkipDir
		}
		return c.watcher.Add(p)
	})
}

func (c *ChangeSet) loop() {
	defer close(c.done)
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.last.Store(time.Now().UnixNano())
			c.handle(event)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Workspace watcher error", "root", c.root, "error", err)
		}
	}
}

func (c *ChangeSet) handle(event fsnotify.Event) {
	rel, err := filepath.Rel(c.root, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	if strings.HasPrefix(filepath.Base(rel), ".upload-") {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if skippedDirs[info.Name()] {
				return
			}
			if err := c.addRecursive(event.Name); err != nil {
				slog.Debug("Failed to watch new directory", "path", event.Name, "error", err)
			}
			c.recordTree(event.Name)
			return
		}
		c.record(rel)
	case event.Has(fsnotify.Write):
		c.record(rel)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		c.mu.Lock()
		delete(c.changed, rel)
		c.mu.Unlock()
	}
}

// recordTree picks up files that landed in a new directory before its
// watch was registered.
func (c *ChangeSet) recordTree(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if rel, err := filepath.Rel(c.root, p); err == nil {
			c.record(rel)
		}
		return nil
	})
}

func (c *ChangeSet) record(rel string) {
	c.mu.Lock()
	c.changed[filepath.ToSlash(rel)] = struct{}{}
	c.mu.Unlock()
}

// Changed returns the sorted set of changed paths seen so far.
func (c *ChangeSet) Changed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.changed))
	for p := range c.changed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Close waits briefly for in-flight events to settle, stops watching and
// returns the final change list. Safe to call more than once.
func (c *ChangeSet) Close() []string {
	c.once.Do(func() {
		c.settle()
		c.watcher.Close()
		<-c.done
	})
	return c.Changed()
}

// settle returns once no event arrived for settleQuiet, or after settleMax.
func (c *ChangeSet) settle() {
	deadline := time.Now().Add(settleMax)
	for time.Now().Before(deadline) {
		if time.Since(time.Unix(0, c.last.Load())) >= settleQuiet {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
