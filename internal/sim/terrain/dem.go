package terrain

import (
	"errors"
	"fmt"
	"math"
)

// Configuration errors. All of these are fatal at construction time; nothing
// in this package fails per-query once a DEM has been accepted.
var (
	ErrEmptyDEM      = errors.New("dem has zero width or height")
	ErrBadMPP        = errors.New("meters per pixel must be positive")
	ErrDataLength    = errors.New("dem data length does not match width*height")
	ErrShapeMismatch = errors.New("mask shape does not match dem")
)

// Point is a world-space position in meters.
type Point struct {
	X float64
	Y float64
}

// Vec3 is a unit surface normal.
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// DEM is a digital elevation model: a regular grid of height samples.
// Storage is x-major: sample (ix, iy) lives at Data[ix*Height+iy].
// Elevations are held as float32; all interpolation runs in float64.
//
// A DEM is immutable once published. Terrain switches replace the whole
// array through Store.Swap rather than mutating in place.
type DEM struct {
	Width  int
	Height int
	MPP    float64 // meters per pixel (grid spacing)

	// World-to-pixel conversion offsets, in pixels:
	// px = x/MPP + OffsetX, py = y/MPP + OffsetY.
	OffsetX float64
	OffsetY float64

	Data []float32
}

func NewDEM(width, height int, mpp float64, data []float32) (*DEM, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("dem %dx%d: %w", width, height, ErrEmptyDEM)
	}
	if mpp <= 0 {
		return nil, fmt.Errorf("dem mpp %g: %w", mpp, ErrBadMPP)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("dem %dx%d with %d samples: %w", width, height, len(data), ErrDataLength)
	}
	return &DEM{Width: width, Height: height, MPP: mpp, Data: data}, nil
}

// At returns the sample at integer pixel (ix, iy). Callers clamp first.
func (d *DEM) At(ix, iy int) float64 {
	return float64(d.Data[ix*d.Height+iy])
}

// toPixel converts a world point to clamped pixel coordinates. Clamping (not
// wrap-around) is the boundary policy: queries outside the DEM hold the edge.
func (d *DEM) toPixel(p Point) (px, py float64) {
	px = clampF(p.X/d.MPP+d.OffsetX, 0, float64(d.Width-1))
	py = clampF(p.Y/d.MPP+d.OffsetY, 0, float64(d.Height-1))
	return px, py
}

// Mask carries per-cell classification (craterness and the like) parallel to
// a DEM. The core never interprets it; it is handed through to collaborators
// such as rock placement.
type Mask struct {
	Width  int
	Height int
	Data   []float32
}

func NewMask(width, height int, data []float32) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("mask %dx%d: %w", width, height, ErrEmptyDEM)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("mask %dx%d with %d samples: %w", width, height, len(data), ErrDataLength)
	}
	return &Mask{Width: width, Height: height, Data: data}, nil
}

func (m *Mask) At(ix, iy int) float64 {
	return float64(m.Data[ix*m.Height+iy])
}

// Patch is a rectangular copy of DEM samples, x-major like the DEM itself.
// MinX/MinY locate the patch origin in source pixel coordinates.
type Patch struct {
	MinX   int
	MinY   int
	Width  int
	Height int
	MPP    float64
	Data   []float32
}

// SubPatch copies the samples covering the world rectangle
// [minX,maxX] x [minY,maxY], clamped to the DEM bounds. The copy always
// contains at least one sample.
func (d *DEM) SubPatch(minX, minY, maxX, maxY float64) Patch {
	x0 := clampI(int(math.Floor(minX/d.MPP+d.OffsetX)), 0, d.Width-1)
	y0 := clampI(int(math.Floor(minY/d.MPP+d.OffsetY)), 0, d.Height-1)
	x1 := clampI(int(math.Ceil(maxX/d.MPP+d.OffsetX)), 0, d.Width-1)
	y1 := clampI(int(math.Ceil(maxY/d.MPP+d.OffsetY)), 0, d.Height-1)
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}

	w := x1 - x0 + 1
	h := y1 - y0 + 1
	p := Patch{MinX: x0, MinY: y0, Width: w, Height: h, MPP: d.MPP, Data: make([]float32, w*h)}
	for x := 0; x < w; x++ {
		src := (x0+x)*d.Height + y0
		copy(p.Data[x*h:(x+1)*h], d.Data[src:src+h])
	}
	return p
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampI(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
