package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileRendererReplacesPreviousModel(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRenderer(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Load(ctx, &Resource{Name: "a.ifc", Data: []byte("v1")}))
	require.Equal(t, []string{"a.ifc"}, listFiles(t, dir))
	require.Equal(t, 1, r.Current().Generation)

	require.NoError(t, r.Load(ctx, &Resource{Name: "b.ifc", Data: []byte("v2")}))
	require.Equal(t, []string{"b.ifc"}, listFiles(t, dir))

	require.NoError(t, r.Load(ctx, &Resource{Name: "b.ifc", Data: []byte("v3")}))
	require.Equal(t, []string{"b.ifc"}, listFiles(t, dir))
	data, err := os.ReadFile(filepath.Join(dir, "b.ifc"))
	require.NoError(t, err)
	require.Equal(t, "v3", string(data))
	require.Equal(t, 3, r.Current().Generation)
}

func TestFileRendererFitNeedsModel(t *testing.T) {
	r, err := NewFileRenderer(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.Error(t, r.Fit(ctx))
	require.NoError(t, r.Load(ctx, &Resource{Name: "a.ifc", Data: []byte("v1")}))
	require.NoError(t, r.Fit(ctx))
	require.False(t, r.Current().FittedAt.IsZero())
}

func TestFileRendererRejectsEmptyResource(t *testing.T) {
	r, err := NewFileRenderer(t.TempDir())
	require.NoError(t, err)
	require.Error(t, r.Load(context.Background(), &Resource{Name: "a.ifc"}))
	require.Error(t, r.Load(context.Background(), nil))
}

func TestFileRendererStripsDirectoriesFromName(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRenderer(dir)
	require.NoError(t, err)

	require.NoError(t, r.Load(context.Background(), &Resource{Name: "../../etc/x.ifc", Data: []byte("v1")}))
	require.Equal(t, []string{"x.ifc"}, listFiles(t, dir))
}

func TestFileRendererOnChange(t *testing.T) {
	r, err := NewFileRenderer(t.TempDir())
	require.NoError(t, err)
	var scenes []Scene
	r.OnChange(func(s Scene) { scenes = append(scenes, s) })

	ctx := context.Background()
	require.NoError(t, r.Load(ctx, &Resource{Name: "a.ifc", Data: []byte("v1")}))
	require.NoError(t, r.Fit(ctx))
	require.Len(t, scenes, 2)
	require.Equal(t, "a.ifc", scenes[1].Name)
}

func TestFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.ifc")
	require.NoError(t, os.WriteFile(p, []byte("data"), 0o644))
	res, err := FromFile(p)
	require.NoError(t, err)
	require.Equal(t, "m.ifc", res.Name)
	require.Equal(t, "data", string(res.Data))

	_, err = FromFile(filepath.Join(t.TempDir(), "missing.ifc"))
	require.Error(t, err)
}
