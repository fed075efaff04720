package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xtxerr/tcpingd/internal/logging"
)

var log = logging.Component("loader")

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives a freshly loaded configuration whose inventory part
// validated.
type ReloadFunc func(cfg *Config)

// Watcher reloads the configuration when the file or one of its includes
// changes. Directories are watched rather than files, so atomic
// replace-by-rename saves are seen too.
type Watcher struct {
	path     string
	onReload ReloadFunc
	debounce time.Duration

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool
	reloads int
	failed  int
}

// NewWatcher creates a watcher for the configuration at path.
func NewWatcher(path string, onReload ReloadFunc) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	w := &Watcher{
		path:     abs,
		onReload: onReload,
		debounce: DefaultDebounce,
		fsw:      fsw,
		watched:  make(map[string]bool),
	}
	if err := w.watchDir(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) watchDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watched[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

// relevant reports whether an event touches the config or an include.
func (w *Watcher) relevant(name string, includes []string) bool {
	name = filepath.Clean(name)
	if name == w.path {
		return true
	}
	for _, inc := range includes {
		if name == inc {
			return true
		}
		if ok, _ := filepath.Match(inc, name); ok {
			return true
		}
	}
	return false
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	includes := w.includePatterns()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if !w.relevant(ev.Name, includes) {
				continue
			}
			if !pending {
				pending = true
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			pending = false
			timerC = nil
			includes = w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("config watch error", "error", err)
		}
	}
}

// reload loads and validates the configuration and hands it to the
// callback. It returns the include patterns to watch from now on.
func (w *Watcher) reload() []string {
	cfg, err := Load(w.path)
	if err == nil {
		err = ValidateInventory(cfg)
	}

	w.mu.Lock()
	if err != nil {
		w.failed++
	} else {
		w.reloads++
	}
	w.mu.Unlock()

	if err != nil {
		log.Error("config reload rejected, keeping previous", "path", w.path, "error", err)
		return w.includePatterns()
	}

	patterns := w.patternsOf(cfg)
	log.Info("config reloaded", "path", w.path, "servers", len(cfg.Servers), "probes", len(cfg.Probes.Targets))
	w.onReload(cfg)
	return patterns
}

func (w *Watcher) includePatterns() []string {
	cfg, err := Load(w.path)
	if err != nil {
		return nil
	}
	return w.patternsOf(cfg)
}

// patternsOf returns the absolute include patterns of cfg and makes sure
// their directories are watched.
func (w *Watcher) patternsOf(cfg *Config) []string {
	base := filepath.Dir(w.path)
	out := make([]string, 0, len(cfg.Include))
	for _, p := range cfg.Include {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		p = filepath.Clean(p)
		out = append(out, p)
		if err := w.watchDir(filepath.Dir(p)); err != nil {
			log.Warn("cannot watch include directory", "pattern", p, "error", err)
		}
	}
	return out
}

// WatcherStats holds reload counters.
type WatcherStats struct {
	Reloads int
	Failed  int
}

// Stats returns reload counters.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatcherStats{Reloads: w.reloads, Failed: w.failed}
}
