package tile

import (
	"errors"
	"fmt"
	"math"
)

// ErrBadTileSize is returned by NewIndex for a non-positive or non-finite
// tile edge length. It is fatal at construction; Index has no runtime errors.
var ErrBadTileSize = errors.New("tile size must be positive and finite")

// Coord identifies one square tile of the terrain grid.
type Coord struct {
	IX int
	IY int
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.IX, c.IY)
}

// Index maps continuous world positions onto the tile grid. It carries no
// state beyond the tile edge length; all methods are pure.
type Index struct {
	size float64
}

func NewIndex(size float64) (Index, error) {
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return Index{}, fmt.Errorf("tile size %g: %w", size, ErrBadTileSize)
	}
	return Index{size: size}, nil
}

// Size returns the tile edge length in meters.
func (ix Index) Size() float64 { return ix.size }

// WorldToTile maps a world position to the tile containing it. Tiles own
// their low edges: x == k*size lands in tile k, not k-1.
func (ix Index) WorldToTile(x, y float64) Coord {
	return Coord{
		IX: int(math.Floor(x / ix.size)),
		IY: int(math.Floor(y / ix.size)),
	}
}

// Bounds returns the world rectangle covered by c.
func (ix Index) Bounds(c Coord) (minX, minY, maxX, maxY float64) {
	minX = float64(c.IX) * ix.size
	minY = float64(c.IY) * ix.size
	return minX, minY, minX + ix.size, minY + ix.size
}

// Center returns the world midpoint of c.
func (ix Index) Center(c Coord) (x, y float64) {
	return (float64(c.IX) + 0.5) * ix.size, (float64(c.IY) + 0.5) * ix.size
}

// CenterDistance returns the Euclidean distance from (x, y) to the center
// of c. Cache decisions measure tiles this way.
func (ix Index) CenterDistance(c Coord, x, y float64) float64 {
	cx, cy := ix.Center(c)
	return math.Hypot(cx-x, cy-y)
}

// Within returns every tile whose center lies at most radius from (x, y),
// in row-major order (IX, then IY). A non-positive radius yields nil.
func (ix Index) Within(x, y, radius float64) []Coord {
	if radius <= 0 {
		return nil
	}
	lo := ix.WorldToTile(x-radius, y-radius)
	hi := ix.WorldToTile(x+radius, y+radius)
	var out []Coord
	for tx := lo.IX; tx <= hi.IX; tx++ {
		for ty := lo.IY; ty <= hi.IY; ty++ {
			c := Coord{IX: tx, IY: ty}
			if ix.CenterDistance(c, x, y) <= radius {
				out = append(out, c)
			}
		}
	}
	return out
}
