package terrain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

type Mode int

const (
	Bilinear Mode = iota
	Bicubic
)

var ErrBadMode = errors.New("unknown sampler mode")

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bilinear":
		return Bilinear, nil
	case "bicubic":
		return Bicubic, nil
	}
	return 0, fmt.Errorf("%q: %w", s, ErrBadMode)
}

func (m Mode) String() string {
	switch m {
	case Bilinear:
		return "bilinear"
	case Bicubic:
		return "bicubic"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DefaultDegenerateEps is the magnitude below which an unnormalized quad
// normal is considered degenerate.
const DefaultDegenerateEps = 1e-12

// DegenerateNormalError reports one query point whose quad normal collapsed
// below the sampler epsilon. The rest of the batch still succeeds.
type DegenerateNormalError struct {
	Index int
	Point Point
}

func (e *DegenerateNormalError) Error() string {
	return fmt.Sprintf("degenerate normal at point %d (%g, %g)", e.Index, e.Point.X, e.Point.Y)
}

// Sampler answers batch elevation, normal and mask queries against the
// store's current snapshot. Methods are safe for concurrent use: each batch
// loads the snapshot once and finishes on it, so a terrain swap mid-batch
// never mixes old and new samples. Per-point work is independent, keeping
// batches trivially data-parallel.
type Sampler struct {
	store *Store
	eps   float64
}

func NewSampler(store *Store, degenerateEps float64) (*Sampler, error) {
	if store == nil || store.Current() == nil {
		return nil, fmt.Errorf("sampler: %w", ErrEmptyDEM)
	}
	if degenerateEps <= 0 {
		degenerateEps = DefaultDegenerateEps
	}
	return &Sampler{store: store, eps: degenerateEps}, nil
}

// Sample interpolates elevations for a batch of world points. An empty batch
// returns an empty result, not an error.
func (s *Sampler) Sample(pts []Point, mode Mode) ([]float64, error) {
	if mode != Bilinear && mode != Bicubic {
		return nil, fmt.Errorf("sample: mode %d: %w", int(mode), ErrBadMode)
	}
	if len(pts) == 0 {
		return nil, nil
	}
	d := s.store.Current().DEM
	out := make([]float64, len(pts))
	for i, p := range pts {
		px, py := d.toPixel(p)
		if mode == Bicubic {
			out[i] = bicubicAt(d, px, py)
		} else {
			out[i] = bilinearAt(d, px, py)
		}
	}
	return out, nil
}

// Normals estimates one averaged unit normal per query point from the 2x2
// quad under it. Degenerate quads yield a zero vector at that index and a
// joined *DegenerateNormalError; the remaining points are unaffected.
func (s *Sampler) Normals(pts []Point) ([]Vec3, error) {
	if len(pts) == 0 {
		return nil, nil
	}
	d := s.store.Current().DEM
	out := make([]Vec3, len(pts))
	var errs []error
	for i, p := range pts {
		px, py := d.toPixel(p)
		n, mag := quadNormal(d, int(px), int(py))
		if mag < s.eps {
			errs = append(errs, &DegenerateNormalError{Index: i, Point: p})
			continue
		}
		out[i] = Vec3{X: n.X / mag, Y: n.Y / mag, Z: n.Z / mag}
	}
	return out, errors.Join(errs...)
}

// MaskAt returns the nearest-cell mask value per point. A snapshot without a
// mask yields zeros.
func (s *Sampler) MaskAt(pts []Point) []float64 {
	out := make([]float64, len(pts))
	snap := s.store.Current()
	if snap.Mask == nil {
		return out
	}
	for i, p := range pts {
		px, py := snap.DEM.toPixel(p)
		out[i] = snap.Mask.At(int(math.Round(px)), int(math.Round(py)))
	}
	return out
}

func bilinearAt(d *DEM, px, py float64) float64 {
	x0 := int(px)
	y0 := int(py)
	x1 := min(x0+1, d.Width-1)
	y1 := min(y0+1, d.Height-1)
	fx := px - math.Trunc(px)
	fy := py - math.Trunc(py)
	q00 := d.At(x0, y0)
	q10 := d.At(x1, y0)
	q01 := d.At(x0, y1)
	q11 := d.At(x1, y1)
	return (1-fx)*(1-fy)*q00 + fx*(1-fy)*q10 + (1-fx)*fy*q01 + fx*fy*q11
}

func bicubicAt(d *DEM, px, py float64) float64 {
	// 4x4 neighborhood based one row/col before the containing cell, each
	// index clamped independently (edge-hold).
	x0 := max(int(px)-1, 0)
	y0 := max(int(py)-1, 0)
	xs := [4]int{x0, min(x0+1, d.Width-1), min(x0+2, d.Width-1), min(x0+3, d.Width-1)}
	ys := [4]int{y0, min(y0+1, d.Height-1), min(y0+2, d.Height-1), min(y0+3, d.Height-1)}

	cx0, cx1, cx2, cx3 := cubicWeights(px - math.Trunc(px))
	var cols [4]float64
	for j := 0; j < 4; j++ {
		cols[j] = cx0*d.At(xs[0], ys[j]) + cx1*d.At(xs[1], ys[j]) + cx2*d.At(xs[2], ys[j]) + cx3*d.At(xs[3], ys[j])
	}
	cy0, cy1, cy2, cy3 := cubicWeights(py - math.Trunc(py))
	return cy0*cols[0] + cy1*cols[1] + cy2*cols[2] + cy3*cols[3]
}

// cubicWeights returns the Catmull-Rom convolution weights (a = -0.5) for a
// fractional offset t in [0,1). At t=0 the weights select the second tap,
// which is the containing cell.
func cubicWeights(t float64) (c0, c1, c2, c3 float64) {
	const a = -0.5
	c0 = a * (t * (1 - t*(2-t)))
	c1 = a * (-2 + t*t*(5-3*t))
	c2 = a * (t * (-1 + t*(-4+3*t)))
	c3 = a * (t * t * (1 - t))
	return c0, c1, c2, c3
}

// quadNormal averages the two diagonal cross products of the 2x2 quad at
// (x0, y0). Returned unnormalized along with its magnitude; callers divide.
func quadNormal(d *DEM, x0, y0 int) (Vec3, float64) {
	x1 := min(x0+1, d.Width-1)
	y1 := min(y0+1, d.Height-1)
	q00 := d.At(x0, y0)
	q10 := d.At(x1, y0)
	q01 := d.At(x0, y1)
	q11 := d.At(x1, y1)
	gs := d.MPP
	n := Vec3{
		X: gs / 2 * (q01 - q11 - q10 + q00),
		Y: gs / 2 * (q10 - q11 - q01 + q00),
		Z: gs * gs,
	}
	return n, math.Sqrt(n.X*n.X + n.Y*n.Y + n.Z*n.Z)
}
