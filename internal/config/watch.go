package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

// watchDebounce coalesces the write bursts editors produce on save.
const watchDebounce = 300 * time.Millisecond

// Watcher reloads the config file on change and reports agent diffs.
type Watcher struct {
	path string
	log  *logger.Logger

	current *Config
	fw      *fsnotify.Watcher
}

// NewWatcher starts watching path. The initial snapshot must already be
// loaded; a reload failure keeps it in effect.
func NewWatcher(path string, initial *Config, log *logger.Logger) (*Watcher, error) {
	if log == nil {
		log = logger.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:    path,
		log:     log.WithFields(zap.String("component", "config"), zap.String("path", path)),
		current: initial,
		fw:      fw,
	}, nil
}

// Run delivers one Diff per successful reload until ctx is done.
// The callback runs on the watcher goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func(cfg *Config, diff Diff)) {
	defer w.fw.Close()

	var debounce *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", zap.Error(err))

		case <-pending:
			next, err := Load(w.path)
			if err != nil {
				w.log.Error("config reload failed, keeping previous snapshot", zap.Error(err))
				continue
			}
			diff := DiffAgents(w.current, next)
			if diff.Empty() {
				w.log.Debug("config reloaded with no agent changes")
				w.current = next
				continue
			}
			w.log.Info("config reloaded",
				zap.Int("added", len(diff.Added)),
				zap.Int("removed", len(diff.Removed)),
				zap.Int("changed", len(diff.Changed)))
			w.current = next
			onChange(next, diff)
		}
	}
}
