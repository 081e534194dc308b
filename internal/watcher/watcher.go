// Package watcher watches the asset directory with fsnotify and reports, debounced
// per dataset id, which datasets changed.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/qamatch/internal/compact"
)

const defaultDebounce = 400 * time.Millisecond

// AssetExtensions are the file types that make up a dataset's assets.
var AssetExtensions = []string{".json", ".bin"}

// Watcher watches one asset directory and calls onChange with the dataset id
// of any changed, created, renamed or removed asset file.
type Watcher struct {
	dir         string
	extensions  []string
	onChange    func(datasetID string)
	debounce    time.Duration
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long events for one dataset are coalesced.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// New creates a watcher for dir. Only files with AssetExtensions are considered.
func New(dir string, onChange func(datasetID string), opts ...Option) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		extensions:  AssetExtensions,
		onChange:    onChange,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Start starts the watcher. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	info, err := os.Stat(w.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "watch", Path: w.dir, Err: os.ErrInvalid}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.logger.Debug("watcher starting", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if filepath.Dir(filepath.Clean(ev.Name)) != w.dir || !matchExtension(ev.Name, w.extensions) {
		return
	}
	id, ok := DatasetID(ev.Name)
	if !ok {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", ev.Name), zap.String("dataset", id))
	w.debounceChange(id)
}

var assetSuffixes = []string{
	compact.SuffixMeta,
	compact.SuffixEmbeddings,
	compact.SuffixComponents,
	compact.SuffixMean,
	compact.SuffixItems,
}

// DatasetID returns the dataset id an asset path belongs to: the file name
// without a known asset suffix, otherwise the name up to its first dot.
// Hidden files and names without a dot are ignored.
func DatasetID(path string) (string, bool) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return "", false
	}
	for _, suffix := range assetSuffixes {
		if id, ok := strings.CutSuffix(base, suffix); ok && id != "" {
			return id, true
		}
	}
	id, _, found := strings.Cut(base, ".")
	if !found || id == "" {
		return "", false
	}
	return id, true
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		if strings.EqualFold(strings.TrimPrefix(e, "."), strings.TrimPrefix(ext, ".")) {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceChange(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	if t, ok := w.debounceMap[id]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() { w.fire(id, t) })
	w.debounceMap[id] = t
}

// fire runs when t expires. A timer that was replaced or dropped by Stop
// while it was firing no longer owns the entry and reports nothing.
func (w *Watcher) fire(id string, t *time.Timer) {
	w.mu.Lock()
	if w.debounceMap[id] != t {
		w.mu.Unlock()
		return
	}
	delete(w.debounceMap, id)
	w.mu.Unlock()
	w.logger.Debug("dataset assets changed", zap.String("dataset", id))
	if w.onChange != nil {
		w.onChange(id)
	}
}

// Stop stops the watcher and releases resources. Pending notifications are dropped.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for id, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, id)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
