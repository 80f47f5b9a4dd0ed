package streamer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/collider"
	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/terrain"
	"moonfield.io/internal/sim/tile"
)

// Config carries everything the streamer needs at construction. Zero values
// take documented defaults; invalid values fail New.
type Config struct {
	TickRateHz     int
	SamplerMode    string // "bilinear" or "bicubic"
	DegenerateEps  float64
	MaxQueryPoints int
	StartTerrainID int // library id; negative picks at random

	Collider collider.Config
}

func (c *Config) applyDefaults() {
	if c.TickRateHz == 0 {
		c.TickRateHz = 30
	}
	if c.SamplerMode == "" {
		c.SamplerMode = "bicubic"
	}
	if c.MaxQueryPoints == 0 {
		c.MaxQueryPoints = 4096
	}
}

// Builder turns a built tile's DEM samples into collision geometry and
// returns the handle the cache will keep. Destroyer tears a handle down.
// The streamer never interprets handles.
type Builder interface {
	Build(t tile.Coord, p terrain.Patch) (collider.Handle, error)
}

type Destroyer interface {
	Destroy(t tile.Coord, h collider.Handle) error
}

// HandleSeq is the in-process geometry collaborator: it allocates
// monotonically increasing handles and nothing else. The DELTA stream
// carries the patches to whatever owns the physics scene.
type HandleSeq struct{ n atomic.Uint64 }

func (h *HandleSeq) Build(tile.Coord, terrain.Patch) (collider.Handle, error) {
	return collider.Handle(h.n.Add(1)), nil
}

func (h *HandleSeq) Destroy(tile.Coord, collider.Handle) error { return nil }

type JoinRequest struct {
	Name    string
	Patches bool
	Out     chan []byte
	Resp    chan JoinResponse
}

type JoinResponse struct {
	SessionID string
	Welcome   protocol.WelcomeMsg
}

// PoseUpdate moves the reference point the cache follows. Only the latest
// update before a tick is applied; Z is telemetry only.
type PoseUpdate struct {
	Session string
	X, Y, Z float64
}

type SwitchRequest struct {
	TerrainID int
	Resp      chan SwitchResult
}

type SwitchResult struct {
	Terrain protocol.TerrainInfo
	Err     error
}

// Optional sinks (may be nil). Implemented in internal/persistence/*.
type ReconcileLogger interface {
	WriteReconcile(entry ReconcileLogEntry) error
}

type EventLogger interface {
	WriteEvent(entry EventLogEntry) error
}

// ReconcileLogEntry records one tick's pass. One JSONL line per tick.
type ReconcileLogEntry struct {
	Tick       uint64     `json:"tick"`
	Generation uint64     `json:"generation"`
	X          float64    `json:"x"`
	Y          float64    `json:"y"`
	Built      []BuiltRef `json:"built,omitempty"`
	Evicted    []EvictRef `json:"evicted,omitempty"`
	Contended  []TileRef  `json:"contended,omitempty"`
	CacheLen   int        `json:"cache_len"`
	StepUS     int64      `json:"step_us"`
	Digest     string     `json:"digest"`
}

type TileRef [2]int

type BuiltRef struct {
	Tile   TileRef `json:"tile"`
	Handle uint64  `json:"handle"`
}

type EvictRef struct {
	Tile   TileRef `json:"tile"`
	Handle uint64  `json:"handle"`
	Reason string  `json:"reason"`
}

// EventLogEntry records discrete lifecycle events (switches, sessions,
// geometry failures).
type EventLogEntry struct {
	Tick       uint64 `json:"tick"`
	Kind       string `json:"kind"`
	Session    string `json:"session,omitempty"`
	Terrain    string `json:"terrain,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type sessionState struct {
	name    string
	patches bool
	out     chan []byte
}

// Streamer drives the collider cache from the live pose stream. All mutable
// state is owned by the loop goroutine; Run and StepOnce are the only
// entry points that touch it.
type Streamer struct {
	cfg  Config
	log  *zap.Logger
	mode terrain.Mode

	lib       *library.Library
	store     *terrain.Store
	sampler   *terrain.Sampler
	cache     *collider.Cache
	builder   Builder
	destroyer Destroyer

	tick           atomic.Uint64
	nextSessionNum atomic.Uint64

	// Loop-goroutine state.
	sessions         map[string]*sessionState
	curX, curY, curZ float64
	havePose         bool

	// Counters, loop-owned, published through metrics.
	builtTotal     uint64
	evictedTotal   uint64
	contendedTotal uint64
	buildErrors    uint64
	destroyErrors  uint64
	switchTotal    uint64

	poseCh   chan PoseUpdate
	join     chan JoinRequest
	leave    chan string
	switchCh chan SwitchRequest
	stop     chan struct{}

	reconcileLogger ReconcileLogger
	eventLogger     EventLogger

	metrics atomic.Value // Metrics
}

func New(cfg Config, lib *library.Library, log *zap.Logger) (*Streamer, error) {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.TickRateHz < 1 {
		return nil, fmt.Errorf("tick rate %d: must be at least 1", cfg.TickRateHz)
	}
	mode, err := terrain.ParseMode(cfg.SamplerMode)
	if err != nil {
		return nil, err
	}

	asset, err := lib.Pick(cfg.StartTerrainID)
	if err != nil {
		return nil, err
	}
	store, err := terrain.NewStore(asset.Name, asset.DEM, asset.Mask)
	if err != nil {
		return nil, err
	}
	sampler, err := terrain.NewSampler(store, cfg.DegenerateEps)
	if err != nil {
		return nil, err
	}
	cache, err := collider.NewCache(cfg.Collider)
	if err != nil {
		return nil, err
	}

	seq := &HandleSeq{}
	s := &Streamer{
		cfg:       cfg,
		log:       log,
		mode:      mode,
		lib:       lib,
		store:     store,
		sampler:   sampler,
		cache:     cache,
		builder:   seq,
		destroyer: seq,
		sessions:  map[string]*sessionState{},
		poseCh:    make(chan PoseUpdate, 256),
		join:      make(chan JoinRequest, 64),
		leave:     make(chan string, 64),
		switchCh:  make(chan SwitchRequest, 16),
		stop:      make(chan struct{}),
	}
	s.publishMetrics(0, 0)
	return s, nil
}

// SetGeometry replaces the default handle allocator. Call before Run.
func (s *Streamer) SetGeometry(b Builder, d Destroyer) {
	if b != nil {
		s.builder = b
	}
	if d != nil {
		s.destroyer = d
	}
}

func (s *Streamer) SetReconcileLogger(l ReconcileLogger) { s.reconcileLogger = l }
func (s *Streamer) SetEventLogger(l EventLogger)         { s.eventLogger = l }

func (s *Streamer) Join() chan<- JoinRequest       { return s.join }
func (s *Streamer) Leave() chan<- string           { return s.leave }
func (s *Streamer) Poses() chan<- PoseUpdate       { return s.poseCh }
func (s *Streamer) Switches() chan<- SwitchRequest { return s.switchCh }

func (s *Streamer) CurrentTick() uint64 { return s.tick.Load() }
func (s *Streamer) TickRateHz() int     { return s.cfg.TickRateHz }

// Sampler is safe for concurrent use; transports answer queries with it
// without involving the loop.
func (s *Streamer) Sampler() *terrain.Sampler { return s.sampler }

func (s *Streamer) DefaultMode() terrain.Mode { return s.mode }
func (s *Streamer) MaxQueryPoints() int       { return s.cfg.MaxQueryPoints }
func (s *Streamer) Generation() uint64        { return s.store.Generation() }

// CacheParams reports the reconcile geometry the cache runs with.
func (s *Streamer) CacheParams() protocol.CacheParams {
	return protocol.CacheParams{
		TileSizeM:     s.cfg.Collider.TileSize,
		BuildRadiusM:  s.cfg.Collider.BuildRadius,
		RemoveRadiusM: s.cfg.Collider.RemoveRadius,
		MaxCacheSize:  s.cfg.Collider.MaxCacheSize,
	}
}

// Entries exposes the live cache for the observer surface.
func (s *Streamer) Entries() []collider.EntryView { return s.cache.Entries() }

func (s *Streamer) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(s.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingSwitches []SwitchRequest
	var pendingPose *PoseUpdate

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case req := <-s.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-s.leave:
			pendingLeaves = append(pendingLeaves, id)
		case req := <-s.switchCh:
			pendingSwitches = append(pendingSwitches, req)
		case p := <-s.poseCh:
			pose := p
			pendingPose = &pose
		case <-ticker.C:
			s.step(pendingJoins, pendingLeaves, pendingSwitches, pendingPose)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingSwitches = pendingSwitches[:0]
			pendingPose = nil
		}
	}
}

func (s *Streamer) Stop() { close(s.stop) }

// StepOnce advances by a single tick using the same ordering semantics as
// the server loop. It is intended for deterministic tests and replays.
func (s *Streamer) StepOnce(joins []JoinRequest, leaves []string, switches []SwitchRequest, pose *PoseUpdate) (tick uint64, digest string) {
	return s.step(joins, leaves, switches, pose)
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
