// Package config handles the configuration of the render-splats command.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"honnef.co/go/gsplat/renderer"

	"gopkg.in/yaml.v3"
)

// Config holds all settings of a render run.
type Config struct {
	Input   InputConfig   `yaml:"input"`
	Output  OutputConfig  `yaml:"output"`
	Render  RenderConfig  `yaml:"render"`
	Logging LoggingConfig `yaml:"logging"`
}

// InputConfig holds the scene and camera sources.
type InputConfig struct {
	Scene   string `yaml:"scene"`
	Cameras string `yaml:"cameras"`
	// Camera selects an entry of the camera list. A negative value renders
	// all of them.
	Camera int `yaml:"camera"`
}

// OutputConfig holds where and how images are written.
type OutputConfig struct {
	// Path of the image. Its extension selects the format. "-" writes a PNG
	// to stdout.
	Path string `yaml:"path"`
	// Quality of JPEG output, 1 to 100.
	Quality int `yaml:"quality"`
	// Preview, if non-zero, additionally writes a copy downscaled to this
	// width.
	Preview int `yaml:"preview"`
}

// RenderConfig holds the pipeline settings.
type RenderConfig struct {
	// Width overrides the image width of the cameras. Heights are scaled to
	// keep the aspect ratio.
	Width      uint32     `yaml:"width"`
	Height     uint32     `yaml:"height"`
	TileSize   uint32     `yaml:"tile_size"`
	Capacity   uint32     `yaml:"capacity"`
	SHDegree   uint32     `yaml:"sh_degree"`
	Near       float32    `yaml:"near"`
	Far        float32    `yaml:"far"`
	Scale      float32    `yaml:"scale"`
	Background [4]float32 `yaml:"background"`
	Workers    int        `yaml:"workers"`
	Profile    bool       `yaml:"profile"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	rd := renderer.DefaultConfig(1, 1)
	return &Config{
		Input: InputConfig{
			Camera: 0,
		},
		Output: OutputConfig{
			Path:    "out.png",
			Quality: 95,
		},
		Render: RenderConfig{
			Width:    0,
			Height:   0,
			TileSize: rd.TileSize,
			Capacity: rd.Capacity,
			SHDegree: rd.SHDegree,
			Near:     rd.Near,
			Far:      rd.Far,
			Scale:    rd.ScaleModifier,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Flags are the command line overrides. They are registered on a FlagSet
// so that tests can parse their own arguments.
type Flags struct {
	Config   string
	Debug    bool
	Scene    string
	Cameras  string
	Camera   int
	All      bool
	Output   string
	Preview  int
	Width    uint
	Height   uint
	Capacity uint
	SHDegree int
	Workers  int
	Profile  bool
	LogFile  string
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Config, "config", "", "Path to config file")
	fs.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	fs.StringVar(&f.Scene, "scene", "", "PLY `file` with the Gaussians")
	fs.StringVar(&f.Cameras, "cameras", "", "cameras.json `file`")
	fs.IntVar(&f.Camera, "camera", -1, "Index of the camera to render")
	fs.BoolVar(&f.All, "all", false, "Render all cameras")
	fs.StringVar(&f.Output, "o", "", "Output `path`, or - for stdout")
	fs.IntVar(&f.Preview, "preview", 0, "Also write a preview of this `width`")
	fs.UintVar(&f.Width, "width", 0, "Image width")
	fs.UintVar(&f.Height, "height", 0, "Image height, without a camera list")
	fs.UintVar(&f.Capacity, "capacity", 0, "Maximum number of tile instances")
	fs.IntVar(&f.SHDegree, "sh", -1, "Spherical harmonics `degree`")
	fs.IntVar(&f.Workers, "workers", 0, "Number of worker goroutines")
	fs.BoolVar(&f.Profile, "profile", false, "Print per-pass timings")
	fs.StringVar(&f.LogFile, "log", "", "Log `file`")
	return f
}

// Load loads configuration with priority: defaults < file < flags.
func Load(f *Flags) (*Config, error) {
	cfg := Default()
	if f.Config != "" {
		if err := loadFromFile(cfg, f.Config); err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", f.Config, err)
		}
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads config from a YAML file, merging with existing values.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (f *Flags) apply(cfg *Config) {
	if f.Debug {
		cfg.Logging.Level = "debug"
	}
	if f.LogFile != "" {
		cfg.Logging.LogFile = f.LogFile
	}
	if f.Scene != "" {
		cfg.Input.Scene = f.Scene
	}
	if f.Cameras != "" {
		cfg.Input.Cameras = f.Cameras
	}
	if f.Camera >= 0 {
		cfg.Input.Camera = f.Camera
	}
	if f.All {
		cfg.Input.Camera = -1
	}
	if f.Output != "" {
		cfg.Output.Path = f.Output
	}
	if f.Preview > 0 {
		cfg.Output.Preview = f.Preview
	}
	if f.Width > 0 {
		cfg.Render.Width = uint32(f.Width)
	}
	if f.Height > 0 {
		cfg.Render.Height = uint32(f.Height)
	}
	if f.Capacity > 0 {
		cfg.Render.Capacity = uint32(f.Capacity)
	}
	if f.SHDegree >= 0 {
		cfg.Render.SHDegree = uint32(f.SHDegree)
	}
	if f.Workers > 0 {
		cfg.Render.Workers = f.Workers
	}
	if f.Profile {
		cfg.Render.Profile = true
	}
}

func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Input.Scene == "" {
		errs = append(errs, errors.New("no scene"))
	}
	if cfg.Output.Path == "" {
		errs = append(errs, errors.New("no output path"))
	}
	if cfg.Output.Quality < 1 || cfg.Output.Quality > 100 {
		errs = append(errs, fmt.Errorf("JPEG quality %d out of range [1, 100]", cfg.Output.Quality))
	}
	if cfg.Output.Preview < 0 {
		errs = append(errs, fmt.Errorf("preview width %d", cfg.Output.Preview))
	}
	if cfg.Input.Cameras == "" && (cfg.Render.Width == 0) != (cfg.Render.Height == 0) {
		errs = append(errs, errors.New("width and height must be given together without a camera list"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", renderer.ErrInvalidConfig, err)
	}
	return nil
}

// ToRenderer returns the pipeline configuration for an image of the given
// size. The result still has to be validated.
func (cfg *Config) ToRenderer(width, height uint32) renderer.Config {
	rc := renderer.DefaultConfig(width, height)
	rc.TileSize = cfg.Render.TileSize
	rc.Capacity = cfg.Render.Capacity
	rc.SHDegree = cfg.Render.SHDegree
	rc.Near = cfg.Render.Near
	rc.Far = cfg.Render.Far
	rc.ScaleModifier = cfg.Render.Scale
	rc.Background = cfg.Render.Background
	return rc
}
