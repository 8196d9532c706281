package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"honnef.co/go/gsplat/renderer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *Flags {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return f
}

func TestDefault(t *testing.T) {
	cfg := Default()
	rd := renderer.DefaultConfig(1, 1)
	assert.Equal(t, "out.png", cfg.Output.Path)
	assert.Equal(t, 95, cfg.Output.Quality)
	assert.Equal(t, rd.Capacity, cfg.Render.Capacity)
	assert.Equal(t, rd.TileSize, cfg.Render.TileSize)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, [4]float32{}, cfg.Render.Background)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
input:
  scene: bicycle.ply
  cameras: cameras.json
  camera: 3
render:
  capacity: 1024
  background: [0, 0, 0, 1]
logging:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(parse(t, "-config", path))
	require.NoError(t, err)
	assert.Equal(t, "bicycle.ply", cfg.Input.Scene)
	assert.Equal(t, 3, cfg.Input.Camera)
	assert.Equal(t, uint32(1024), cfg.Render.Capacity)
	assert.Equal(t, [4]float32{0, 0, 0, 1}, cfg.Render.Background)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Values not in the file keep their defaults.
	assert.Equal(t, "out.png", cfg.Output.Path)
	assert.Equal(t, uint32(8), cfg.Render.TileSize)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input:\n  scene: a.ply\nrender:\n  capacity: 1024\n"), 0o644))

	cfg, err := Load(parse(t, "-config", path, "-scene", "b.ply", "-capacity", "2048", "-all", "-debug", "-o", "-"))
	require.NoError(t, err)
	assert.Equal(t, "b.ply", cfg.Input.Scene)
	assert.Equal(t, uint32(2048), cfg.Render.Capacity)
	assert.Equal(t, -1, cfg.Input.Camera)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "-", cfg.Output.Path)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(parse(t, "-config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("render: [\n"), 0o644))
	_, err = Load(parse(t, "-config", path, "-scene", "a.ply"))
	assert.Error(t, err)

	_, err = Load(parse(t))
	assert.ErrorIs(t, err, renderer.ErrInvalidConfig)

	_, err = Load(parse(t, "-scene", "a.ply", "-width", "100"))
	assert.ErrorIs(t, err, renderer.ErrInvalidConfig)
}

func TestToRenderer(t *testing.T) {
	cfg := Default()
	cfg.Render.Capacity = 4096
	cfg.Render.SHDegree = 1
	cfg.Render.Background = [4]float32{0.5, 0.5, 0.5, 1}

	rc := cfg.ToRenderer(64, 48)
	assert.NoError(t, rc.Validate())
	assert.Equal(t, uint32(64), rc.Width)
	assert.Equal(t, uint32(48), rc.Height)
	assert.Equal(t, uint32(4096), rc.Capacity)
	assert.Equal(t, uint32(1), rc.SHDegree)
	assert.Equal(t, [4]float32{0.5, 0.5, 0.5, 1}, rc.Background)
}
