package collider

import (
	"errors"
	"testing"

	"moonfield.io/internal/sim/tile"
)

// Most scenarios use an 8 m grid with radii 5/8, so tile centers sit at
// (8i+4, 8j+4) and only a handful of tiles are ever in range.
var testCfg = Config{TileSize: 8, BuildRadius: 5, RemoveRadius: 8, MaxCacheSize: 2}

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	c, err := NewCache(cfg)
	if err != nil {
		t.Fatalf("NewCache(%+v): %v", cfg, err)
	}
	return c
}

func wantTiles(t *testing.T, what string, got []tile.Coord, want ...tile.Coord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("%s[%d] = %v, want %v (full: %v)", what, i, got[i], want[i], got)
		}
	}
}

func attachAll(t *testing.T, c *Cache, built []tile.Coord, next *Handle) {
	t.Helper()
	for _, tc := range built {
		*next++
		if err := c.Attach(tc, *next); err != nil {
			t.Fatalf("Attach(%v): %v", tc, err)
		}
	}
}

func TestNewCache_ConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want error
	}{
		{"zero tile size", Config{TileSize: 0, BuildRadius: 1, RemoveRadius: 2, MaxCacheSize: 1}, tile.ErrBadTileSize},
		{"zero build radius", Config{TileSize: 1, BuildRadius: 0, RemoveRadius: 2, MaxCacheSize: 1}, ErrBadRadius},
		{"equal radii", Config{TileSize: 1, BuildRadius: 2, RemoveRadius: 2, MaxCacheSize: 1}, ErrRadiusOrder},
		{"inverted radii", Config{TileSize: 1, BuildRadius: 3, RemoveRadius: 2, MaxCacheSize: 1}, ErrRadiusOrder},
		{"zero capacity", Config{TileSize: 1, BuildRadius: 1, RemoveRadius: 2, MaxCacheSize: 0}, ErrBadCapacity},
	}
	for _, c := range cases {
		if _, err := NewCache(c.cfg); !errors.Is(err, c.want) {
			t.Fatalf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
	if _, err := NewCache(testCfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestReconcile_BuildsWithinBuildRadius(t *testing.T) {
	c := newTestCache(t, Config{TileSize: 8, BuildRadius: 5, RemoveRadius: 8, MaxCacheSize: 4})

	// From (4,9): center (4,12) is 3 away, center (4,4) exactly 5 away.
	// The build boundary is inclusive, so both build, nearest first.
	d := c.Reconcile(4, 9)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 1}, tile.Coord{IX: 0, IY: 0})
	if len(d.Evicted) != 0 || len(d.Contended) != 0 {
		t.Fatalf("unexpected evictions/contention: %+v", d)
	}
	for _, e := range c.Entries() {
		if e.State != StateBuilding {
			t.Fatalf("entry %v state = %v, want building", e.Tile, e.State)
		}
	}
}

func TestReconcile_HysteresisBoundaries(t *testing.T) {
	// Tile size 100 isolates a single center at (50,50) within both radii.
	c := newTestCache(t, Config{TileSize: 100, BuildRadius: 5, RemoveRadius: 8, MaxCacheSize: 2})
	home := tile.Coord{IX: 0, IY: 0}

	// Just past the build radius: never builds.
	if d := c.Reconcile(50, 50-5.000001); !d.Empty() {
		t.Fatalf("build at distance 5+eps: %+v", d)
	}
	// Exactly on the build radius: builds.
	d := c.Reconcile(50, 45)
	wantTiles(t, "Built", d.Built, home)
	if err := c.Attach(home, 7); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	// Just inside the remove radius: holds.
	if d := c.Reconcile(50, 50-7.999999); !d.Empty() {
		t.Fatalf("evict at distance 8-eps: %+v", d)
	}
	// Exactly on the remove radius: still holds.
	if d := c.Reconcile(50, 58); !d.Empty() {
		t.Fatalf("evict at distance 8: %+v", d)
	}
	// Past it: evicts, handing the handle back.
	d = c.Reconcile(50, 58.000001)
	if len(d.Evicted) != 1 || d.Evicted[0].Tile != home {
		t.Fatalf("Evicted = %+v, want %v", d.Evicted, home)
	}
	if d.Evicted[0].Handle != 7 || d.Evicted[0].Reason != ReasonOutOfRange {
		t.Fatalf("Evicted[0] = %+v, want handle 7 reason out_of_range", d.Evicted[0])
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after eviction", c.Len())
	}
}

func TestReconcile_EvictFarthestOnCapacity(t *testing.T) {
	c := newTestCache(t, testCfg)
	var h Handle

	// Pass 1 from (4,6): only (0,0) (distance 2) is inside the build radius.
	d := c.Reconcile(4, 6)
	wantTiles(t, "pass1 Built", d.Built, tile.Coord{IX: 0, IY: 0})
	attachAll(t, c, d.Built, &h)

	// Pass 2 from (9,6): (1,0) at distance 3.61 builds; the cache is full.
	d = c.Reconcile(9, 6)
	wantTiles(t, "pass2 Built", d.Built, tile.Coord{IX: 1, IY: 0})
	attachAll(t, c, d.Built, &h)

	// Pass 3 from (7,10): (0,1) enters at 3.61. Live distances are now
	// (0,0)=6.71 and (1,0)=7.81, so the farthest, (1,0), is displaced.
	d = c.Reconcile(7, 10)
	wantTiles(t, "pass3 Built", d.Built, tile.Coord{IX: 0, IY: 1})
	if len(d.Evicted) != 1 || d.Evicted[0].Tile != (tile.Coord{IX: 1, IY: 0}) {
		t.Fatalf("pass3 Evicted = %+v, want (1,0)", d.Evicted)
	}
	if d.Evicted[0].Reason != ReasonCapacity || d.Evicted[0].Handle != 2 {
		t.Fatalf("pass3 Evicted[0] = %+v, want capacity eviction of handle 2", d.Evicted[0])
	}
	if len(d.Contended) != 0 {
		t.Fatalf("pass3 Contended = %v", d.Contended)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestReconcile_CapacityTieEvictsOldest(t *testing.T) {
	c := newTestCache(t, testCfg)
	var h Handle

	// (8,6) is equidistant (4.47) from centers (4,4) and (12,4): both build.
	d := c.Reconcile(8, 6)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 0}, tile.Coord{IX: 1, IY: 0})
	attachAll(t, c, d.Built, &h)

	// (8,10) keeps the pair tied at 7.21 and brings (0,1) and (1,1) in at
	// 4.47. The tie victim must be the older insertion, (0,0), first.
	d = c.Reconcile(8, 10)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 1}, tile.Coord{IX: 1, IY: 1})
	if len(d.Evicted) != 2 {
		t.Fatalf("Evicted = %+v, want both original tiles", d.Evicted)
	}
	if d.Evicted[0].Tile != (tile.Coord{IX: 0, IY: 0}) || d.Evicted[0].Handle != 1 {
		t.Fatalf("first eviction = %+v, want oldest entry (0,0) handle 1", d.Evicted[0])
	}
	if d.Evicted[1].Tile != (tile.Coord{IX: 1, IY: 0}) || d.Evicted[1].Handle != 2 {
		t.Fatalf("second eviction = %+v, want (1,0) handle 2", d.Evicted[1])
	}
}

func TestReconcile_StationaryIsIdempotent(t *testing.T) {
	c := newTestCache(t, testCfg)
	var h Handle

	d := c.Reconcile(4, 6)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 0})
	attachAll(t, c, d.Built, &h)

	for i := 0; i < 3; i++ {
		if d := c.Reconcile(4, 6); !d.Empty() {
			t.Fatalf("stationary pass %d not empty: %+v", i+2, d)
		}
	}
}

func TestReconcile_ContentionReportedAndRetried(t *testing.T) {
	c := newTestCache(t, Config{TileSize: 8, BuildRadius: 5, RemoveRadius: 8, MaxCacheSize: 1})

	// Build (0,0) but leave it Building: in-flight geometry is never a
	// capacity victim, so the nearer (0,1) can only be reported contended.
	d := c.Reconcile(6, 6)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 0})

	d = c.Reconcile(7, 10)
	wantTiles(t, "Contended", d.Contended, tile.Coord{IX: 0, IY: 1})
	if len(d.Built) != 0 || len(d.Evicted) != 0 {
		t.Fatalf("contended pass changed the cache: %+v", d)
	}
	if es := c.Entries(); len(es) != 1 || es[0].State != StateBuilding {
		t.Fatalf("entries = %+v, want (0,0) still building", es)
	}

	// Once the handle lands, the retry displaces it: (0,0) is at 6.71 from
	// (7,10), strictly farther than the contender at 3.61.
	if err := c.Attach(tile.Coord{IX: 0, IY: 0}, 9); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	d = c.Reconcile(7, 10)
	wantTiles(t, "Built", d.Built, tile.Coord{IX: 0, IY: 1})
	if len(d.Evicted) != 1 || d.Evicted[0].Handle != 9 || d.Evicted[0].Reason != ReasonCapacity {
		t.Fatalf("Evicted = %+v, want capacity eviction of handle 9", d.Evicted)
	}
	if len(d.Contended) != 0 {
		t.Fatalf("Contended = %v after retry", d.Contended)
	}
}

func TestReconcile_BoundHoldsUnderWalk(t *testing.T) {
	cfg := Config{TileSize: 2, BuildRadius: 3, RemoveRadius: 5, MaxCacheSize: 3}
	c := newTestCache(t, cfg)

	var h Handle
	owned := map[tile.Coord]Handle{}
	for i := 0; i <= 60; i++ {
		x := 0.7 * float64(i)
		y := 0.3 * x
		d := c.Reconcile(x, y)

		for _, ev := range d.Evicted {
			want, ok := owned[ev.Tile]
			if !ok {
				t.Fatalf("step %d: evicted %v was never built", i, ev.Tile)
			}
			if ev.Handle != want {
				t.Fatalf("step %d: evicted %v handle %d, want %d", i, ev.Tile, ev.Handle, want)
			}
			delete(owned, ev.Tile)
		}
		for _, tc := range d.Built {
			if _, ok := owned[tc]; ok {
				t.Fatalf("step %d: %v built twice", i, tc)
			}
			h++
			owned[tc] = h
			if err := c.Attach(tc, h); err != nil {
				t.Fatalf("step %d: Attach(%v): %v", i, tc, err)
			}
		}

		if c.Len() > cfg.MaxCacheSize {
			t.Fatalf("step %d: Len = %d exceeds capacity %d", i, c.Len(), cfg.MaxCacheSize)
		}
		if c.Len() != len(owned) {
			t.Fatalf("step %d: Len = %d, shadow map has %d", i, c.Len(), len(owned))
		}
		for _, e := range c.Entries() {
			if e.Distance > cfg.RemoveRadius {
				t.Fatalf("step %d: live entry %v at distance %g past remove radius", i, e.Tile, e.Distance)
			}
		}
	}
}

func TestAttachDrop_Lifecycle(t *testing.T) {
	c := newTestCache(t, testCfg)
	home := tile.Coord{IX: 0, IY: 0}

	if err := c.Attach(home, 1); !errors.Is(err, ErrUnknownTile) {
		t.Fatalf("Attach on absent tile: %v, want ErrUnknownTile", err)
	}
	if err := c.Drop(home); !errors.Is(err, ErrUnknownTile) {
		t.Fatalf("Drop on absent tile: %v, want ErrUnknownTile", err)
	}

	d := c.Reconcile(4, 6)
	wantTiles(t, "Built", d.Built, home)
	if err := c.Attach(home, 1); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Attach(home, 2); !errors.Is(err, ErrNotBuilding) {
		t.Fatalf("second Attach: %v, want ErrNotBuilding", err)
	}

	// Dropping releases the slot; the next pass retries the build.
	if err := c.Drop(home); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after Drop", c.Len())
	}
	d = c.Reconcile(4, 6)
	wantTiles(t, "Built after drop", d.Built, home)
}

func TestFlush_EvictsEverything(t *testing.T) {
	c := newTestCache(t, testCfg)
	var h Handle

	d := c.Reconcile(8, 6)
	attachAll(t, c, d.Built, &h)

	evs := c.Flush()
	if len(evs) != 2 {
		t.Fatalf("Flush = %+v, want 2 evictions", evs)
	}
	for i, ev := range evs {
		if ev.Reason != ReasonFlush {
			t.Fatalf("Flush[%d].Reason = %v", i, ev.Reason)
		}
	}
	if evs[0].Tile != (tile.Coord{IX: 0, IY: 0}) || evs[1].Tile != (tile.Coord{IX: 1, IY: 0}) {
		t.Fatalf("Flush order = %v, %v", evs[0].Tile, evs[1].Tile)
	}
	if evs[0].Handle != 1 || evs[1].Handle != 2 {
		t.Fatalf("Flush handles = %d, %d", evs[0].Handle, evs[1].Handle)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d after Flush", c.Len())
	}

	// The cache rebuilds from scratch afterwards.
	d = c.Reconcile(8, 6)
	wantTiles(t, "Built after flush", d.Built, tile.Coord{IX: 0, IY: 0}, tile.Coord{IX: 1, IY: 0})
}
