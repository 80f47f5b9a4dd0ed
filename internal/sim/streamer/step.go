package streamer

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/collider"
	"moonfield.io/internal/sim/encoding"
	"moonfield.io/internal/sim/terrain"
	"moonfield.io/internal/sim/tile"
)

type builtTile struct {
	tile     tile.Coord
	handle   collider.Handle
	distance float64
	patch    terrain.Patch
}

type stepDelta struct {
	built     []builtTile
	evicted   []collider.Eviction
	contended []tile.Coord
}

func (d stepDelta) empty() bool {
	return len(d.built) == 0 && len(d.evicted) == 0 && len(d.contended) == 0
}

func (s *Streamer) step(joins []JoinRequest, leaves []string, switches []SwitchRequest, pose *PoseUpdate) (uint64, string) {
	stepStart := time.Now()
	nowTick := s.tick.Load()

	for _, id := range leaves {
		s.handleLeave(nowTick, id)
	}
	for _, req := range joins {
		s.handleJoin(nowTick, req)
	}
	var delta stepDelta
	for _, req := range switches {
		delta.evicted = append(delta.evicted, s.applySwitch(nowTick, req)...)
	}

	if pose != nil {
		s.curX, s.curY, s.curZ = pose.X, pose.Y, pose.Z
		s.havePose = true
	}

	if s.havePose {
		delta = s.reconcile(nowTick, delta)
	}
	if !delta.empty() {
		s.broadcastDelta(nowTick, delta)
	}

	digest := s.stateDigest(nowTick)
	stepUS := time.Since(stepStart).Microseconds()

	if s.reconcileLogger != nil {
		if err := s.reconcileLogger.WriteReconcile(s.reconcileEntry(nowTick, delta, stepUS, digest)); err != nil {
			s.log.Warn("reconcile log write failed", zap.Uint64("tick", nowTick), zap.Error(err))
		}
	}

	s.tick.Add(1)
	s.publishMetrics(nowTick+1, float64(stepUS)/1000.0)
	return nowTick, digest
}

// reconcile runs the cache pass and resolves its outcome against the
// geometry collaborator: evicted handles are destroyed, new tiles get their
// patch cut, built, and attached. A build failure drops the reservation so
// the next pass retries.
func (s *Streamer) reconcile(nowTick uint64, out stepDelta) stepDelta {
	d := s.cache.Reconcile(s.curX, s.curY)
	out.contended = d.Contended
	s.contendedTotal += uint64(len(d.Contended))

	for _, ev := range d.Evicted {
		s.destroyHandle(nowTick, ev)
		out.evicted = append(out.evicted, ev)
	}

	snap := s.store.Current()
	idx := s.cache.Index()
	for _, t := range d.Built {
		minX, minY, maxX, maxY := idx.Bounds(t)
		patch := snap.DEM.SubPatch(minX, minY, maxX, maxY)
		h, err := s.builder.Build(t, patch)
		if err != nil {
			if dropErr := s.cache.Drop(t); dropErr != nil {
				s.log.Error("drop after failed build", zap.Stringer("tile", t), zap.Error(dropErr))
			}
			s.buildErrors++
			s.log.Warn("collider build failed", zap.Stringer("tile", t), zap.Error(err))
			s.writeEvent(EventLogEntry{
				Tick:   nowTick,
				Kind:   "build_error",
				Detail: fmt.Sprintf("%v: %v", t, err),
			})
			continue
		}
		if err := s.cache.Attach(t, h); err != nil {
			// The reservation is gone; the geometry must not leak.
			s.log.Error("attach failed", zap.Stringer("tile", t), zap.Error(err))
			_ = s.destroyer.Destroy(t, h)
			continue
		}
		s.builtTotal++
		out.built = append(out.built, builtTile{
			tile:     t,
			handle:   h,
			distance: idx.CenterDistance(t, s.curX, s.curY),
			patch:    patch,
		})
	}
	return out
}

func (s *Streamer) destroyHandle(nowTick uint64, ev collider.Eviction) {
	s.evictedTotal++
	if ev.Handle == 0 {
		// Never attached; there is no geometry.
		return
	}
	if err := s.destroyer.Destroy(ev.Tile, ev.Handle); err != nil {
		s.destroyErrors++
		s.log.Warn("collider destroy failed",
			zap.Stringer("tile", ev.Tile),
			zap.Uint64("handle", uint64(ev.Handle)),
			zap.Error(err))
		s.writeEvent(EventLogEntry{
			Tick:   nowTick,
			Kind:   "destroy_error",
			Detail: fmt.Sprintf("%v handle %d: %v", ev.Tile, ev.Handle, err),
		})
	}
}

// applySwitch swaps the active terrain and flushes the cache. The flushed
// evictions are returned so the tick's DELTA reports them to clients.
func (s *Streamer) applySwitch(nowTick uint64, req SwitchRequest) []collider.Eviction {
	fail := func(err error) []collider.Eviction {
		s.log.Warn("terrain switch rejected", zap.Int("terrain_id", req.TerrainID), zap.Error(err))
		if req.Resp != nil {
			req.Resp <- SwitchResult{Err: err}
		}
		return nil
	}

	asset, err := s.lib.Pick(req.TerrainID)
	if err != nil {
		return fail(err)
	}
	if _, err := s.store.Swap(asset.Name, asset.DEM, asset.Mask); err != nil {
		return fail(err)
	}

	// Every live collider references the retired height field.
	flushed := s.cache.Flush()
	for _, ev := range flushed {
		s.destroyHandle(nowTick, ev)
	}

	s.switchTotal++

	info := s.TerrainInfo()
	s.log.Info("terrain switched",
		zap.String("terrain", info.Name),
		zap.Uint64("generation", info.Generation))
	s.writeEvent(EventLogEntry{
		Tick:       nowTick,
		Kind:       "terrain_switch",
		Terrain:    info.Name,
		Generation: info.Generation,
	})

	if b, err := json.Marshal(protocol.TerrainMsg{
		Type:    protocol.TypeTerrain,
		Tick:    nowTick,
		Terrain: info,
	}); err == nil {
		s.broadcast(b)
	}
	if req.Resp != nil {
		req.Resp <- SwitchResult{Terrain: info}
	}
	return flushed
}

func (s *Streamer) handleJoin(nowTick uint64, req JoinRequest) {
	id := fmt.Sprintf("S%d", s.nextSessionNum.Add(1))
	if req.Out != nil {
		s.sessions[id] = &sessionState{name: req.Name, patches: req.Patches, out: req.Out}
	}
	if req.Resp != nil {
		req.Resp <- JoinResponse{SessionID: id, Welcome: s.welcome(id)}
	}
	s.log.Info("session joined",
		zap.String("session", id),
		zap.String("name", req.Name),
		zap.Bool("patches", req.Patches))
	s.writeEvent(EventLogEntry{Tick: nowTick, Kind: "session_join", Session: id, Detail: req.Name})
}

func (s *Streamer) handleLeave(nowTick uint64, id string) {
	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.log.Info("session left", zap.String("session", id))
	s.writeEvent(EventLogEntry{Tick: nowTick, Kind: "session_leave", Session: id})
}

func (s *Streamer) welcome(sessionID string) protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		TickRateHz:      s.cfg.TickRateHz,
		Sampler:         s.mode.String(),
		Cache:           s.CacheParams(),
		Terrain:         s.TerrainInfo(),
		Limits:          protocol.Limits{MaxQueryPoints: s.cfg.MaxQueryPoints},
	}
}

// TerrainInfo describes the active snapshot the way WELCOME advertises it.
// Safe to call from any goroutine.
func (s *Streamer) TerrainInfo() protocol.TerrainInfo {
	snap := s.store.Current()
	info := protocol.TerrainInfo{
		Name:           snap.Name,
		Generation:     snap.Generation,
		Width:          snap.DEM.Width,
		Height:         snap.DEM.Height,
		MetersPerPixel: snap.DEM.MPP,
		OffsetX:        snap.DEM.OffsetX,
		OffsetY:        snap.DEM.OffsetY,
		HasMask:        snap.Mask != nil,
	}
	if a, ok := s.lib.ByName(snap.Name); ok {
		info.Digest = a.Digest
	}
	return info
}

// broadcastDelta fans the tick's outcome to every session. Sessions that
// negotiated patches get the full payload; the rest get tiles and handles
// only.
func (s *Streamer) broadcastDelta(nowTick uint64, delta stepDelta) {
	if len(s.sessions) == 0 {
		return
	}
	gen := s.store.Generation()

	var lean, full []byte
	needFull := false
	for _, st := range s.sessions {
		if st.patches {
			needFull = true
			break
		}
	}

	lean, err := json.Marshal(s.deltaMsg(nowTick, gen, delta, false))
	if err != nil {
		s.log.Error("delta encode failed", zap.Error(err))
		return
	}
	if needFull {
		full, err = json.Marshal(s.deltaMsg(nowTick, gen, delta, true))
		if err != nil {
			s.log.Error("delta encode failed", zap.Error(err))
			return
		}
	}

	for _, st := range s.sessions {
		if st.patches {
			sendLatest(st.out, full)
		} else {
			sendLatest(st.out, lean)
		}
	}
}

func (s *Streamer) deltaMsg(nowTick, gen uint64, delta stepDelta, patches bool) protocol.DeltaMsg {
	msg := protocol.DeltaMsg{
		Type:       protocol.TypeDelta,
		Tick:       nowTick,
		Generation: gen,
		CacheLen:   s.cache.Len(),
	}
	for _, b := range delta.built {
		out := protocol.Built{
			Tile:     [2]int{b.tile.IX, b.tile.IY},
			Handle:   uint64(b.handle),
			Distance: b.distance,
		}
		if patches {
			out.Patch = &protocol.PatchPayload{
				MinX:           b.patch.MinX,
				MinY:           b.patch.MinY,
				Width:          b.patch.Width,
				Height:         b.patch.Height,
				MetersPerPixel: b.patch.MPP,
				Encoding:       protocol.PatchEncoding,
				Data:           encoding.EncodeF32(b.patch.Data),
			}
		}
		msg.Built = append(msg.Built, out)
	}
	for _, ev := range delta.evicted {
		msg.Evicted = append(msg.Evicted, protocol.Evict{
			Tile:   [2]int{ev.Tile.IX, ev.Tile.IY},
			Handle: uint64(ev.Handle),
			Reason: ev.Reason.String(),
		})
	}
	for _, t := range delta.contended {
		msg.Contended = append(msg.Contended, [2]int{t.IX, t.IY})
	}
	return msg
}

func (s *Streamer) broadcast(b []byte) {
	for _, st := range s.sessions {
		sendLatest(st.out, b)
	}
}

func (s *Streamer) reconcileEntry(nowTick uint64, delta stepDelta, stepUS int64, digest string) ReconcileLogEntry {
	entry := ReconcileLogEntry{
		Tick:       nowTick,
		Generation: s.store.Generation(),
		X:          s.curX,
		Y:          s.curY,
		CacheLen:   s.cache.Len(),
		StepUS:     stepUS,
		Digest:     digest,
	}
	for _, b := range delta.built {
		entry.Built = append(entry.Built, BuiltRef{
			Tile:   TileRef{b.tile.IX, b.tile.IY},
			Handle: uint64(b.handle),
		})
	}
	for _, ev := range delta.evicted {
		entry.Evicted = append(entry.Evicted, EvictRef{
			Tile:   TileRef{ev.Tile.IX, ev.Tile.IY},
			Handle: uint64(ev.Handle),
			Reason: ev.Reason.String(),
		})
	}
	for _, t := range delta.contended {
		entry.Contended = append(entry.Contended, TileRef{t.IX, t.IY})
	}
	return entry
}

func (s *Streamer) writeEvent(entry EventLogEntry) {
	if s.eventLogger == nil {
		return
	}
	if err := s.eventLogger.WriteEvent(entry); err != nil {
		s.log.Warn("event log write failed", zap.String("kind", entry.Kind), zap.Error(err))
	}
}
