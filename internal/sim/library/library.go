package library

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"moonfield.io/internal/persistence/demfile"
	"moonfield.io/internal/sim/terrain"
)

const containerSuffix = ".dem.zst"

var (
	ErrEmptyLibrary   = errors.New("terrain library is empty")
	ErrUnknownTerrain = errors.New("no terrain with that id")
)

// Asset is one loaded terrain: parsed arrays plus identity. Assets are
// immutable after Load; the streamer swaps whole assets in.
type Asset struct {
	ID     int
	Name   string
	Digest string // sha256 of the container file
	DEM    *terrain.DEM
	Mask   *terrain.Mask // nil when the container carries no mask
}

// Library holds every terrain found in the library directory, sorted by
// file name. IDs are positions in that order, so they are stable for a
// given directory content. Pick with a negative id draws from the seeded
// generator; only the streamer goroutine picks.
type Library struct {
	assets []Asset
	rng    *rand.Rand
}

// New builds a library from already-loaded assets, reassigning ids by
// position. Load uses it; tests and tools can too.
func New(assets []Asset, seed int64) (*Library, error) {
	if len(assets) == 0 {
		return nil, ErrEmptyLibrary
	}
	out := make([]Asset, len(assets))
	copy(out, assets)
	for i := range out {
		out[i].ID = i
	}
	return &Library{assets: out, rng: rand.New(rand.NewSource(seed))}, nil
}

func Load(dir string, seed int64) (*Library, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), containerSuffix) {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	assets := make([]Asset, 0, len(files))
	for _, name := range files {
		path := filepath.Join(dir, name)
		a, err := loadAsset(path)
		if err != nil {
			return nil, fmt.Errorf("library %s: %w", name, err)
		}
		assets = append(assets, a)
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("library %s: %w", dir, ErrEmptyLibrary)
	}
	return New(assets, seed)
}

func loadAsset(path string) (Asset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Asset{}, err
	}
	sum := sha256.Sum256(raw)

	t, err := demfile.Read(path)
	if err != nil {
		return Asset{}, err
	}
	dem, err := terrain.NewDEM(t.Header.Width, t.Header.Height, t.Header.MetersPerPixel, t.Elevations)
	if err != nil {
		return Asset{}, err
	}
	dem.OffsetX = t.OffsetX
	dem.OffsetY = t.OffsetY

	var mask *terrain.Mask
	if t.Header.HasMask {
		mask, err = terrain.NewMask(t.Header.Width, t.Header.Height, t.Mask)
		if err != nil {
			return Asset{}, err
		}
	}

	return Asset{
		Name:   strings.TrimSuffix(filepath.Base(path), containerSuffix),
		Digest: hex.EncodeToString(sum[:]),
		DEM:    dem,
		Mask:   mask,
	}, nil
}

func (l *Library) Len() int { return len(l.assets) }

// Assets returns a copy of the loaded assets in id order.
func (l *Library) Assets() []Asset {
	out := make([]Asset, len(l.assets))
	copy(out, l.assets)
	return out
}

func (l *Library) Names() []string {
	out := make([]string, len(l.assets))
	for i, a := range l.assets {
		out[i] = a.Name
	}
	return out
}

func (l *Library) ByID(id int) (Asset, error) {
	if id < 0 || id >= len(l.assets) {
		return Asset{}, fmt.Errorf("terrain %d of %d: %w", id, len(l.assets), ErrUnknownTerrain)
	}
	return l.assets[id], nil
}

func (l *Library) ByName(name string) (Asset, bool) {
	for _, a := range l.assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// Pick returns the asset with the given id, or a random one when id < 0.
func (l *Library) Pick(id int) (Asset, error) {
	if id < 0 {
		return l.assets[l.rng.Intn(len(l.assets))], nil
	}
	return l.ByID(id)
}
