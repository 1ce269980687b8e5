// Package render is the boundary to whatever displays the building model.
// The session only ever hands it whole model resources and asks it to re-fit
// the view; it never looks at geometry.
package render

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Resource is a model file as bytes, named after the file it came from.
type Resource struct {
	Name        string
	ContentType string
	Data        []byte
}

// FromFile reads a local model file into a Resource.
func FromFile(path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read model %s", path)
	}
	return &Resource{
		Name:        filepath.Base(path),
		ContentType: "application/x-step",
		Data:        data,
	}, nil
}

// Renderer attaches a model to the scene, replacing the previous one, and can
// re-fit the view to it.
type Renderer interface {
	Load(ctx context.Context, res *Resource) error
	Fit(ctx context.Context) error
}
