// Package watch turns workspace mutations into browser reloads according
// to the configured refresh mode.
package watch

import (
	"sync"

	"github.com/previewd/previewd/internal/config"
	"github.com/previewd/previewd/internal/logger"
)

// ChangeKind classifies a workspace mutation.
type ChangeKind int

const (
	// ChangeEdit is a content change to a document, saved or not. Host
	// editors forward these per keystroke; the filesystem source emits one
	// alongside every save, since a disk write is also a content change.
	ChangeEdit ChangeKind = iota
	// ChangeSave is a document written to disk.
	ChangeSave
	// ChangeStructural is a file create, delete, or rename.
	ChangeStructural
)

// Change is one workspace mutation.
type Change struct {
	Kind ChangeKind
	Path string // absolute path of the affected file
}

// Refresher broadcasts a reload to connected browsers.
type Refresher interface {
	RefreshBrowsers()
}

// Policy decides which changes become reloads. Edits and saves are
// filtered per-file through the served predicate, because the content
// server knows exactly which files it transmitted. Structural changes are
// not: the affected path set of a rename or delete is not attributable to
// serving state with the same precision, so any structural change reloads
// under both active modes.
type Policy struct {
	mu        sync.Mutex
	mode      config.RefreshMode
	served    func(absPath string) bool
	refresher Refresher
	log       *logger.Logger
}

// NewPolicy creates a reload policy. served may be nil, in which case no
// file counts as served.
func NewPolicy(mode config.RefreshMode, served func(absPath string) bool, refresher Refresher) *Policy {
	if served == nil {
		served = func(string) bool { return false }
	}
	return &Policy{
		mode:      mode,
		served:    served,
		refresher: refresher,
		log:       logger.Global().WithPrefix("reload"),
	}
}

// SetMode switches the refresh mode, typically from a settings change.
func (p *Policy) SetMode(mode config.RefreshMode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// Mode returns the current refresh mode.
func (p *Policy) Mode() config.RefreshMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// Handle applies the policy to one change and reports whether a reload was
// issued. Reloads are fire-and-forget.
func (p *Policy) Handle(ch Change) bool {
	p.mu.Lock()
	mode := p.mode
	p.mu.Unlock()

	var reload bool
	switch ch.Kind {
	case ChangeEdit:
		reload = mode == config.RefreshOnAnyChange && p.served(ch.Path)
	case ChangeSave:
		reload = mode == config.RefreshOnSave && p.served(ch.Path)
	case ChangeStructural:
		reload = mode == config.RefreshOnAnyChange || mode == config.RefreshOnSave
	}

	if reload {
		p.log.Debug("reloading browsers for %s", ch.Path)
		p.refresher.RefreshBrowsers()
	}
	return reload
}
