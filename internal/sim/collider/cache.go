package collider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"moonfield.io/internal/sim/tile"
)

// Configuration errors, fatal at construction.
var (
	ErrBadRadius   = errors.New("radii must be positive")
	ErrRadiusOrder = errors.New("build radius must be strictly less than remove radius")
	ErrBadCapacity = errors.New("cache capacity must be at least 1")
)

// Runtime errors on the handle lifecycle.
var (
	ErrUnknownTile = errors.New("tile has no cache entry")
	ErrNotBuilding = errors.New("tile is not awaiting a handle")
)

// Handle is an opaque reference to built collision geometry. The cache never
// interprets it; it only hands it back on eviction so the owner can tear the
// geometry down. Zero means no handle was attached.
type Handle uint64

// State of one tile's entry. Absent tiles have no entry at all; Evicting is
// transient inside a single Reconcile pass.
type State uint8

const (
	StateAbsent State = iota
	StateBuilding
	StateBuilt
	StateEvicting
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateBuilding:
		return "building"
	case StateBuilt:
		return "built"
	case StateEvicting:
		return "evicting"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// EvictReason records why an entry left the cache.
type EvictReason uint8

const (
	ReasonOutOfRange EvictReason = iota // center moved past the remove radius
	ReasonCapacity                      // displaced by a nearer tile at full capacity
	ReasonFlush                         // terrain switch dropped the whole cache
)

func (r EvictReason) String() string {
	switch r {
	case ReasonOutOfRange:
		return "out_of_range"
	case ReasonCapacity:
		return "capacity"
	case ReasonFlush:
		return "flush"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Eviction is one destroyed entry in a Delta.
type Eviction struct {
	Tile   tile.Coord
	Handle Handle
	Reason EvictReason
}

// Delta is the outcome of one Reconcile pass. Built tiles are awaiting a
// handle (Attach or Drop before the next pass); Evicted carries the handles
// to destroy; Contended lists tiles inside the build radius that could not
// be built because the cache was full and no strictly farther entry existed
// to evict. Contended tiles stay absent and are retried next pass.
type Delta struct {
	Built     []tile.Coord
	Evicted   []Eviction
	Contended []tile.Coord
}

// Empty reports whether the pass changed nothing and found no contention.
func (d Delta) Empty() bool {
	return len(d.Built) == 0 && len(d.Evicted) == 0 && len(d.Contended) == 0
}

// Config bounds the cache. BuildRadius and RemoveRadius are hysteresis
// thresholds in meters: tiles build at center distance <= BuildRadius and
// evict past RemoveRadius, so a tile in the band between them holds its
// current state. The strict ordering is what prevents build/evict thrash at
// a single boundary.
type Config struct {
	TileSize     float64
	BuildRadius  float64
	RemoveRadius float64
	MaxCacheSize int
}

func (c Config) validate() error {
	if c.BuildRadius <= 0 || c.RemoveRadius <= 0 {
		return fmt.Errorf("build %g remove %g: %w", c.BuildRadius, c.RemoveRadius, ErrBadRadius)
	}
	if c.BuildRadius >= c.RemoveRadius {
		return fmt.Errorf("build %g remove %g: %w", c.BuildRadius, c.RemoveRadius, ErrRadiusOrder)
	}
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("capacity %d: %w", c.MaxCacheSize, ErrBadCapacity)
	}
	return nil
}

type entry struct {
	state    State
	handle   Handle
	distance float64
	seq      uint64 // insertion order, breaks eviction ties (oldest first)
}

// Cache is the bounded tile -> collision geometry store. At most one live
// entry exists per tile, and len(live) <= MaxCacheSize after every pass.
// Reconcile is the only mutator of cache membership; Attach and Drop resolve
// the handle of an entry Reconcile created. All methods serialize on one
// mutex, so calls from multiple goroutines interleave whole operations only.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	index tile.Index
	live  map[tile.Coord]*entry
	seq   uint64
}

func NewCache(cfg Config) (*Cache, error) {
	ix, err := tile.NewIndex(cfg.TileSize)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Cache{
		cfg:   cfg,
		index: ix,
		live:  map[tile.Coord]*entry{},
	}, nil
}

func (c *Cache) Config() Config    { return c.cfg }
func (c *Cache) Index() tile.Index { return c.index }

// Len returns the number of live entries (Building or Built).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Reconcile runs one full pass against the reference point (x, y) and
// returns the delta since the previous pass. Order within a pass:
//
//  1. refresh last-seen distance on every live entry,
//  2. evict Built entries past the remove radius,
//  3. walk candidate tiles within the remove radius, nearest first, and
//     build those inside the build radius, evicting the farthest Built
//     entry when at capacity and it is strictly farther than the candidate.
//
// Tiles farther than the remove radius are never visited. A stationary
// reference yields an empty Built/Evicted delta on the second pass.
func (c *Cache) Reconcile(x, y float64) Delta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var d Delta

	for t, e := range c.live {
		e.distance = c.index.CenterDistance(t, x, y)
	}

	var gone []tile.Coord
	for t, e := range c.live {
		if e.state == StateBuilt && e.distance > c.cfg.RemoveRadius {
			gone = append(gone, t)
		}
	}
	sort.Slice(gone, func(i, j int) bool {
		if gone[i].IX != gone[j].IX {
			return gone[i].IX < gone[j].IX
		}
		return gone[i].IY < gone[j].IY
	})
	for _, t := range gone {
		d.Evicted = append(d.Evicted, c.evict(t, ReasonOutOfRange))
	}

	cands := c.index.Within(x, y, c.cfg.RemoveRadius)
	sort.Slice(cands, func(i, j int) bool {
		di := c.index.CenterDistance(cands[i], x, y)
		dj := c.index.CenterDistance(cands[j], x, y)
		if di != dj {
			return di < dj
		}
		if cands[i].IX != cands[j].IX {
			return cands[i].IX < cands[j].IX
		}
		return cands[i].IY < cands[j].IY
	})

	for _, t := range cands {
		dist := c.index.CenterDistance(t, x, y)
		if dist > c.cfg.BuildRadius {
			break // sorted by distance; the rest is the hysteresis band
		}
		if _, ok := c.live[t]; ok {
			continue
		}
		if len(c.live) >= c.cfg.MaxCacheSize {
			victim, ok := c.farthestBuilt()
			if !ok || c.live[victim].distance <= dist {
				d.Contended = append(d.Contended, t)
				continue
			}
			d.Evicted = append(d.Evicted, c.evict(victim, ReasonCapacity))
		}
		c.seq++
		c.live[t] = &entry{state: StateBuilding, distance: dist, seq: c.seq}
		d.Built = append(d.Built, t)
	}

	return d
}

// farthestBuilt picks the eviction victim: the Built entry with the largest
// last-seen distance, oldest insertion on ties. Building entries are never
// victims; their geometry is still in flight.
func (c *Cache) farthestBuilt() (tile.Coord, bool) {
	var (
		best  tile.Coord
		found bool
	)
	for t, e := range c.live {
		if e.state != StateBuilt {
			continue
		}
		if !found {
			best, found = t, true
			continue
		}
		b := c.live[best]
		if e.distance > b.distance || (e.distance == b.distance && e.seq < b.seq) {
			best = t
		}
	}
	return best, found
}

// evict removes t and returns the Eviction record. Caller holds c.mu.
func (c *Cache) evict(t tile.Coord, why EvictReason) Eviction {
	e := c.live[t]
	e.state = StateEvicting
	delete(c.live, t)
	return Eviction{Tile: t, Handle: e.handle, Reason: why}
}

// Attach resolves a Building entry with the geometry handle the builder
// returned. The entry becomes Built and eligible for capacity eviction.
func (c *Cache) Attach(t tile.Coord, h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live[t]
	if !ok {
		return fmt.Errorf("attach %v: %w", t, ErrUnknownTile)
	}
	if e.state != StateBuilding {
		return fmt.Errorf("attach %v in state %v: %w", t, e.state, ErrNotBuilding)
	}
	e.state = StateBuilt
	e.handle = h
	return nil
}

// Drop releases an entry without geometry, used when the builder fails.
// The tile becomes Absent and will be retried by the next pass.
func (c *Cache) Drop(t tile.Coord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[t]; !ok {
		return fmt.Errorf("drop %v: %w", t, ErrUnknownTile)
	}
	delete(c.live, t)
	return nil
}

// Flush evicts every live entry, Building or Built. Terrain switches call
// this: outstanding geometry references the old DEM and must all go.
func (c *Cache) Flush() []Eviction {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]tile.Coord, 0, len(c.live))
	for t := range c.live {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].IX != keys[j].IX {
			return keys[i].IX < keys[j].IX
		}
		return keys[i].IY < keys[j].IY
	})
	out := make([]Eviction, 0, len(keys))
	for _, t := range keys {
		out = append(out, c.evict(t, ReasonFlush))
	}
	return out
}

// EntryView is a read-only copy of one live entry.
type EntryView struct {
	Tile     tile.Coord
	State    State
	Handle   Handle
	Distance float64
}

// Entries returns the live entries sorted by tile coordinate.
func (c *Cache) Entries() []EntryView {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryView, 0, len(c.live))
	for t, e := range c.live {
		out = append(out, EntryView{Tile: t, State: e.state, Handle: e.handle, Distance: e.distance})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tile.IX != out[j].Tile.IX {
			return out[i].Tile.IX < out[j].Tile.IX
		}
		return out[i].Tile.IY < out[j].Tile.IY
	})
	return out
}
