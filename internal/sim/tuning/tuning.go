package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz"`

	Terrain Terrain `yaml:"terrain"`
	Sampler Sampler `yaml:"sampler"`
	Cache   Cache   `yaml:"cache"`
	Limits  Limits  `yaml:"limits"`
	Logging Logging `yaml:"logging"`
}

type Terrain struct {
	// StartID selects the terrain served at boot; negative draws one at
	// random from the library.
	StartID int `yaml:"start_id"`
}

type Sampler struct {
	Mode          string  `yaml:"mode"` // bilinear | bicubic
	DegenerateEps float64 `yaml:"degenerate_eps"`
}

type Cache struct {
	TileSizeM     float64 `yaml:"tile_size_m"`
	BuildRadiusM  float64 `yaml:"build_radius_m"`
	RemoveRadiusM float64 `yaml:"remove_radius_m"`
	MaxCacheSize  int     `yaml:"max_cache_size"`
}

type Limits struct {
	MaxQueryPoints int `yaml:"max_query_points"`
	SessionQueue   int `yaml:"session_queue"`
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console | json
	File       string `yaml:"file"`   // empty logs to stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 30,
		Sampler:    Sampler{Mode: "bicubic"},
		Cache: Cache{
			TileSizeM:     4,
			BuildRadiusM:  24,
			RemoveRadiusM: 40,
			MaxCacheSize:  256,
		},
		Limits: Limits{MaxQueryPoints: 4096, SessionQueue: 64},
		Logging: Logging{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  128,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads path over Defaults, so a partial file only overrides what it
// names. Deep validation happens where the values are consumed.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
