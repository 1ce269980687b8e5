package render

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Scene describes what a FileRenderer currently has attached.
type Scene struct {
	Name       string
	Path       string
	Generation int
	LoadedAt   time.Time
	FittedAt   time.Time
}

// FileRenderer keeps exactly one model file in a scene directory, for external
// viewers that watch the directory. Loading a new model removes the previous
// file before the new one is moved into place.
type FileRenderer struct {
	dir string

	mu       sync.Mutex
	scene    Scene
	onChange func(Scene)
}

var _ Renderer = (*FileRenderer)(nil)

func NewFileRenderer(dir string) (*FileRenderer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file renderer: empty scene dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "file renderer: create scene dir")
	}
	return &FileRenderer{dir: dir}, nil
}

// OnChange registers a callback run after every successful Load or Fit.
func (r *FileRenderer) OnChange(fn func(Scene)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *FileRenderer) Load(_ context.Context, res *Resource) error {
	if res == nil || len(res.Data) == 0 {
		return errors.New("file renderer: empty resource")
	}
	name := filepath.Base(res.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "model.ifc"
	}

	tmp, err := os.CreateTemp(r.dir, ".incoming-*")
	if err != nil {
		return errors.Wrap(err, "file renderer: create temp")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(res.Data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "file renderer: write temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "file renderer: close temp")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scene.Path != "" {
		if err := os.Remove(r.scene.Path); err != nil && !os.IsNotExist(err) {
			_ = os.Remove(tmpPath)
			return errors.Wrap(err, "file renderer: release previous model")
		}
	}
	target := filepath.Join(r.dir, name)
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		r.scene = Scene{Generation: r.scene.Generation}
		return errors.Wrap(err, "file renderer: attach model")
	}
	r.scene = Scene{
		Name:       name,
		Path:       target,
		Generation: r.scene.Generation + 1,
		LoadedAt:   time.Now(),
	}
	log.Debug().Str("component", "render").Str("path", target).Int("generation", r.scene.Generation).Msg("model attached")
	r.changedLocked()
	return nil
}

func (r *FileRenderer) Fit(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scene.Path == "" {
		return errors.New("file renderer: nothing loaded")
	}
	r.scene.FittedAt = time.Now()
	r.changedLocked()
	return nil
}

func (r *FileRenderer) Current() Scene {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scene
}

func (r *FileRenderer) changedLocked() {
	if r.onChange != nil {
		r.onChange(r.scene)
	}
}
