package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Coordinate quality codes as stored in the HEAD chunk flags.
const (
	QualityAuto   = -1
	QualityInt8   = 0
	QualityInt16  = 1
	QualityFloat  = 2
	QualityDouble = 3
)

// Config carries every knob of a single export invocation. It is treated as
// immutable: the pipeline reads it but never writes it, so one Config value
// can safely drive several parallel exports.
type Config struct {
	// Model metadata stored in the HEAD chunk string table.
	Name    string `yaml:"name"`
	License string `yaml:"license"`
	Author  string `yaml:"author"`
	Comment string `yaml:"comment"`

	// Model-space 1.0 in SI meters. Zero selects the grid-compression
	// scale automatically.
	Scale float32 `yaml:"scale"`

	// Coordinate quality code (QualityAuto picks one from the face count).
	Quality int `yaml:"quality"`

	// Which parts of the scene end up in the output.
	Normals   bool `yaml:"normals"`
	UVs       bool `yaml:"uvs"`
	Colors    bool `yaml:"colors"`
	Materials bool `yaml:"materials"`
	Skeleton  bool `yaml:"skeleton"`
	Animation bool `yaml:"animation"`

	// Allow UV coordinates outside the 0..1 range. Requires float or
	// double quality; the compiler bumps the quality when needed.
	AllowOutOfRangeUVs bool `yaml:"allow_out_of_range_uvs"`

	// Inline texture payloads as ASET chunks. When off, materials
	// reference textures by name only.
	EmbedTextures bool `yaml:"embed_textures"`

	// Lossy grid compression: normalize coordinates to -1..1 and store
	// the normalization factor as the header scale.
	GridCompress bool `yaml:"grid_compress"`

	// Lossless zlib compression of the chunk stream.
	StreamCompress bool `yaml:"stream_compress"`

	// Pinned index width in bits (8, 16 or 32). Zero sizes every index
	// from its table length. A table that does not fit the pinned width
	// is a fatal export error.
	IndexSize int `yaml:"index_size"`
}

// Default returns the configuration matching an export with no options set.
func Default() *Config {
	return &Config{
		License:        "MIT",
		Quality:        QualityAuto,
		Normals:        true,
		UVs:            true,
		Colors:         true,
		Materials:      true,
		Skeleton:       true,
		Animation:      true,
		EmbedTextures:  false,
		GridCompress:   true,
		StreamCompress: true,
	}
}

// Validate reports configuration values the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Quality < QualityAuto || c.Quality > QualityDouble {
		return fmt.Errorf("config: unsupported quality code %d", c.Quality)
	}
	switch c.IndexSize {
	case 0, 8, 16, 32:
	default:
		return fmt.Errorf("config: unsupported index size %d (want 8, 16 or 32)", c.IndexSize)
	}
	if c.Scale < 0 {
		return fmt.Errorf("config: negative scale %g", c.Scale)
	}
	return nil
}

// QualityFromBits maps a coordinate bit width to its quality code.
func QualityFromBits(bits int) (int, error) {
	switch bits {
	case 0:
		return QualityAuto, nil
	case 8:
		return QualityInt8, nil
	case 16:
		return QualityInt16, nil
	case 32:
		return QualityFloat, nil
	case 64:
		return QualityDouble, nil
	}
	return 0, fmt.Errorf("config: unsupported coordinate width %d bits", bits)
}

// Load reads a preset file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading preset %s: %w", path, err)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing preset %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as a preset file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding preset: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
