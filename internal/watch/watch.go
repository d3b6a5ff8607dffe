// Package watch keeps the index in step with the docs directory by reacting
// to file-system events.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/efebarandurmaz/docrag/internal/domain"
	"github.com/efebarandurmaz/docrag/internal/ingest"
	"github.com/efebarandurmaz/docrag/internal/parser"
)

// DefaultDebounce is how long the directory must stay quiet before pending
// events are applied.
const DefaultDebounce = 500 * time.Millisecond

// Action is what an event asks the pipeline to do.
type Action int

const (
	ActionNone Action = iota
	ActionIngest
	ActionRemove
)

func (a Action) String() string {
	switch a {
	case ActionIngest:
		return "ingest"
	case ActionRemove:
		return "remove"
	default:
		return "none"
	}
}

// Classify maps an fsnotify event to an action. Hidden files, temporary
// uploads and unsupported extensions are ignored. Remove and rename win over
// create and write when an event carries several ops.
func Classify(ev fsnotify.Event) Action {
	name := filepath.Base(ev.Name)
	if name == "" || strings.HasPrefix(name, ".") || !parser.Supported(name) {
		return ActionNone
	}
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return ActionRemove
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return ActionIngest
	default:
		return ActionNone
	}
}

// Sink applies watcher decisions. *ingest.Pipeline satisfies it.
type Sink interface {
	IngestFile(ctx context.Context, path string, opts ingest.Options) (ingest.Outcome, error)
	Delete(ctx context.Context, docID string) error
}

// Watcher re-ingests changed files and deletes removed ones.
type Watcher struct {
	dir      string
	sink     Sink
	debounce time.Duration
	opts     ingest.Options
	logger   *slog.Logger

	fsw       *fsnotify.Watcher
	closeOnce sync.Once
	closeErr  error
}

// Option configures a Watcher.
type Option func(*Watcher)

func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// WithForce re-ingests files even when their content hash is unchanged.
func WithForce(force bool) Option { return func(w *Watcher) { w.opts.Force = force } }

// New starts watching dir. Events are not processed until Run is called.
func New(dir string, sink Sink, opts ...Option) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch %s: not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		sink:     sink,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes events until ctx is done or the watcher is closed. Pending
// events are flushed once the directory has been quiet for the debounce
// interval; the last event for a path wins.
func (w *Watcher) Run(ctx context.Context) error {
	pending := make(map[string]Action)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	w.logger.Info("watching", "dir", w.dir, "debounce", w.debounce)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			action := Classify(ev)
			if action == ActionNone {
				continue
			}
			w.logger.Debug("fs event", "file", ev.Name, "op", ev.Op.String(), "action", action.String())
			pending[ev.Name] = action
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			w.flush(ctx, pending)
			pending = make(map[string]Action)
		}
	}
}

// flush applies a batch of actions. A removed file whose doc_id is still
// provided by another file in the directory is not deleted; that file is
// ingested with Replace instead, so renames across extensions keep the
// document.
func (w *Watcher) flush(ctx context.Context, pending map[string]Action) {
	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	ingests := make(map[string]ingest.Options)
	var removed []string
	for _, p := range paths {
		switch pending[p] {
		case ActionIngest:
			ingests[p] = w.opts
		case ActionRemove:
			removed = append(removed, p)
		}
	}

	for _, p := range removed {
		docID := parser.DocID(filepath.Base(p))
		if successor := w.successor(docID, p); successor != "" {
			opts := w.opts
			opts.Replace = true
			ingests[successor] = opts
			continue
		}
		err := w.sink.Delete(ctx, docID)
		switch {
		case err == nil:
			w.logger.Info("removed", "doc_id", docID)
		case errors.Is(err, domain.ErrNotFound):
			w.logger.Debug("nothing to remove", "doc_id", docID)
		default:
			w.logger.Error("remove failed", "doc_id", docID, "error", err)
		}
	}

	targets := make([]string, 0, len(ingests))
	for p := range ingests {
		targets = append(targets, p)
	}
	sort.Strings(targets)
	for _, p := range targets {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		if _, err := w.sink.IngestFile(ctx, p, ingests[p]); err != nil {
			// The pipeline has already logged and audited the failure.
			continue
		}
	}
}

// successor returns another supported file in the watched directory that
// maps to docID, or "".
func (w *Watcher) successor(docID, removed string) string {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(w.dir, name)
		if e.IsDir() || strings.HasPrefix(name, ".") || !parser.Supported(name) || path == removed {
			continue
		}
		if parser.DocID(name) == docID {
			return path
		}
	}
	return ""
}

// Close stops the underlying watcher; Run returns afterwards.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.fsw.Close()
	})
	return w.closeErr
}
