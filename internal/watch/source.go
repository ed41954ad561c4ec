package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/previewd/previewd/internal/logger"
)

// Source watches a workspace tree with fsnotify and feeds classified
// changes to a sink. Directories created while watching are picked up
// recursively. Paths matching any ignore glob are dropped.
type Source struct {
	root     string
	watcher  *fsnotify.Watcher
	ignores  []glob.Glob
	sink     func(Change)
	stopChan chan struct{}
	log      *logger.Logger
}

// NewSource creates a change source for the tree rooted at root. The
// ignore globs match against the forward-slash path relative to root.
func NewSource(root string, ignoreGlobs []string, sink func(Change)) (*Source, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ignores := make([]glob.Glob, 0, len(ignoreGlobs))
	for _, pattern := range ignoreGlobs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			watcher.Close()
			return nil, fmt.Errorf("invalid ignore glob %q: %w", pattern, err)
		}
		ignores = append(ignores, g)
	}

	return &Source{
		root:     root,
		watcher:  watcher,
		ignores:  ignores,
		sink:     sink,
		stopChan: make(chan struct{}),
		log:      logger.Global().WithPrefix("watch"),
	}, nil
}

// Start registers the existing directory tree and begins dispatching
// events.
func (s *Source) Start() error {
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if s.ignored(path) {
			return filepath.SkipDir
		}
		if err := s.watcher.Add(path); err != nil {
			s.log.Warn("failed to watch %s: %v", path, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk workspace: %w", err)
	}

	go s.run()
	return nil
}

// run dispatches watcher events until Close.
func (s *Source) run() {
	for {
		select {
		case <-s.stopChan:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error("watcher error: %v", err)
		}
	}
}

func (s *Source) handleEvent(ev fsnotify.Event) {
	if s.ignored(ev.Name) {
		return
	}

	switch {
	case ev.Op&fsnotify.Write != 0:
		// A disk write is both a content change and a save.
		s.sink(Change{Kind: ChangeEdit, Path: ev.Name})
		s.sink(Change{Kind: ChangeSave, Path: ev.Name})

	case ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0:
		if ev.Op&fsnotify.Create != 0 {
			// New directories join the watch set.
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := s.watcher.Add(ev.Name); err != nil {
					s.log.Warn("failed to watch new directory %s: %v", ev.Name, err)
				}
			}
		}
		s.sink(Change{Kind: ChangeStructural, Path: ev.Name})
	}
}

// ignored reports whether path matches an ignore glob.
func (s *Source) ignored(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return false
	}
	// Patterns like **/node_modules/** expect a rooted, slashed form, so
	// try the plain relative path and the variants around it.
	candidates := []string{rel, "/" + rel, rel + "/", "/" + rel + "/"}
	for _, g := range s.ignores {
		for _, c := range candidates {
			if g.Match(c) {
				return true
			}
		}
	}
	return strings.HasPrefix(filepath.Base(path), ".#") // editor lock files
}

// Close stops dispatching and releases the watcher.
func (s *Source) Close() error {
	select {
	case <-s.stopChan:
		return nil
	default:
		close(s.stopChan)
	}
	return s.watcher.Close()
}
