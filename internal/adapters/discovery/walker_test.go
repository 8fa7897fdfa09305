package discovery

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		p := filepath.Join(root, filepath.FromSlash(r))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
}

func TestWalker_Discover(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"exp2/well_B/tilescan_projection.tif",
		"exp1/well_A/tilescan_projection.tif",
		"exp1/well_A/raw.tif",
		"exp1/well_A/tilescan_projection.tif.bak",
		".cache/tilescan_projection.tif",
		"tilescan_projection.tif",
	)

	got, err := NewWalker().Discover(context.Background(), root, regexp.MustCompile(`tilescan_projection.tif$`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"exp1/well_A/tilescan_projection.tif",
		"exp2/well_B/tilescan_projection.tif",
		"tilescan_projection.tif",
	}, got)
}

func TestWalker_PatternSeesRelativePath(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "keep/a.tif", "drop/a.tif")

	got, err := NewWalker().Discover(context.Background(), root, regexp.MustCompile(`^keep/`))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep/a.tif"}, got)
}

func TestWalker_MissingRoot(t *testing.T) {
	_, err := NewWalker().Discover(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	assert.Error(t, err)
}

func TestWalker_Cancelled(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.tif")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewWalker().Discover(ctx, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
