// Package watch re-uploads a model file when it changes on disk.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultDebounce = 500 * time.Millisecond

// ChangeFunc is called once per burst of writes to the watched file.
type ChangeFunc func(ctx context.Context, path string) error

// ModelWatcher watches the directory containing one model file, so editors
// that save through rename are still seen.
type ModelWatcher struct {
	path     string
	debounce time.Duration
	onChange ChangeFunc
	watcher  *fsnotify.Watcher
}

type Option func(*ModelWatcher)

func WithDebounce(d time.Duration) Option {
	return func(w *ModelWatcher) { w.debounce = d }
}

func NewModelWatcher(path string, onChange ChangeFunc, opts ...Option) (*ModelWatcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: nil change func")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "watch: resolve %s", path)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "watch: create watcher")
	}
	w := &ModelWatcher{
		path:     abs,
		debounce: DefaultDebounce,
		onChange: onChange,
		watcher:  fw,
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

func (w *ModelWatcher) Path() string { return w.path }

// Watch blocks until ctx is done or the watcher is closed. Errors from
// onChange are logged and watching continues.
func (w *ModelWatcher) Watch(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return errors.Wrapf(err, "watch: add %s", filepath.Dir(w.path))
	}
	logger := log.With().Str("component", "watch").Str("path", w.path).Logger()
	logger.Info().Msg("watching model file")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			logger.Debug().Msg("model file changed")
			if err := w.onChange(ctx, w.path); err != nil {
				logger.Warn().Err(err).Msg("re-upload after change failed")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

func (w *ModelWatcher) Close() error {
	return w.watcher.Close()
}
