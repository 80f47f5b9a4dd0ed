package terrain

import (
	"fmt"
	"sync/atomic"
)

// Snapshot pairs a DEM with its mask under one generation number. Snapshots
// are immutable once published; batch queries load one snapshot up front and
// complete against it even if the terrain is swapped mid-batch.
type Snapshot struct {
	Name       string
	Generation uint64
	DEM        *DEM
	Mask       *Mask // may be nil
}

// Store publishes the active Snapshot. Swapping is a single atomic pointer
// store; readers never observe a half-updated DEM/Mask pair.
type Store struct {
	cur atomic.Pointer[Snapshot]
	gen atomic.Uint64
}

func NewStore(name string, dem *DEM, mask *Mask) (*Store, error) {
	s := &Store{}
	if _, err := s.Swap(name, dem, mask); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active snapshot. Never nil after a successful NewStore.
func (s *Store) Current() *Snapshot {
	return s.cur.Load()
}

func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

// Swap validates and publishes a new DEM/Mask pair, returning the new
// snapshot. The previous snapshot stays valid for batches already holding it.
func (s *Store) Swap(name string, dem *DEM, mask *Mask) (*Snapshot, error) {
	if dem == nil {
		return nil, fmt.Errorf("swap %q: nil dem: %w", name, ErrEmptyDEM)
	}
	if dem.Width <= 0 || dem.Height <= 0 {
		return nil, fmt.Errorf("swap %q: dem %dx%d: %w", name, dem.Width, dem.Height, ErrEmptyDEM)
	}
	if dem.MPP <= 0 {
		return nil, fmt.Errorf("swap %q: dem mpp %g: %w", name, dem.MPP, ErrBadMPP)
	}
	if mask != nil && (mask.Width != dem.Width || mask.Height != dem.Height) {
		return nil, fmt.Errorf("swap %q: mask %dx%d vs dem %dx%d: %w",
			name, mask.Width, mask.Height, dem.Width, dem.Height, ErrShapeMismatch)
	}
	snap := &Snapshot{
		Name:       name,
		Generation: s.gen.Add(1),
		DEM:        dem,
		Mask:       mask,
	}
	s.cur.Store(snap)
	return snap, nil
}
