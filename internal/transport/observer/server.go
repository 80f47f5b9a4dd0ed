package observer

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"moonfield.io/internal/observerproto"
	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/streamer"
)

// Server is the loopback-only observer surface: a bootstrap snapshot over
// HTTP plus a websocket pushing periodic cache summaries. It reads the
// streamer's published views and never enters the tick loop.
type Server struct {
	streamer *streamer.Streamer
	lib      *library.Library
	log      *zap.Logger

	upgrader websocket.Upgrader
}

func NewServer(st *streamer.Streamer, lib *library.Library, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		streamer: st,
		lib:      lib,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback gated below
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		assets := s.lib.Assets()
		terrains := make([]observerproto.TerrainEntry, len(assets))
		for i, a := range assets {
			terrains[i] = observerproto.TerrainEntry{
				ID:             a.ID,
				Name:           a.Name,
				Digest:         a.Digest,
				Width:          a.DEM.Width,
				Height:         a.DEM.Height,
				MetersPerPixel: a.DEM.MPP,
				HasMask:        a.Mask != nil,
			}
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.streamer.CurrentTick(),
			TickRateHz:      s.streamer.TickRateHz(),
			Sampler:         s.streamer.DefaultMode().String(),
			Cache:           s.streamer.CacheParams(),
			Terrain:         s.streamer.TerrainInfo(),
			Terrains:        terrains,
			Limits:          protocol.Limits{MaxQueryPoints: s.streamer.MaxQueryPoints()},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		subCh := make(chan observerproto.SubscribeMsg, 1)

		// Writer: polls the streamer's published views on the subscribed
		// cadence.
		writeErr := make(chan error, 1)
		go func() {
			cur := sub
			tk := time.NewTicker(s.period(cur))
			defer tk.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case next := <-subCh:
					cur = next
					tk.Reset(s.period(cur))
				case <-tk.C:
					b, err := json.Marshal(s.summary(cur.Tiles))
					if err != nil {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var next observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &next); err != nil {
				continue
			}
			if next.Type != "SUBSCRIBE" || next.ProtocolVersion != observerproto.Version {
				continue
			}
			normalizeSubscribe(&next)
			select {
			case subCh <- next:
			default:
				// Drop updates under load; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) period(sub observerproto.SubscribeMsg) time.Duration {
	return time.Duration(sub.IntervalTicks) * time.Second / time.Duration(s.streamer.TickRateHz())
}

func (s *Server) summary(includeTiles bool) observerproto.SummaryMsg {
	out := observerproto.SummaryMsg{
		Type:            "SUMMARY",
		ProtocolVersion: observerproto.Version,
		Metrics:         s.streamer.Metrics(),
	}
	if includeTiles {
		entries := s.streamer.Entries()
		tiles := make([]observerproto.TileState, len(entries))
		for i, e := range entries {
			tiles[i] = observerproto.TileState{
				Tile:     [2]int{e.Tile.IX, e.Tile.IY},
				State:    e.State.String(),
				Handle:   uint64(e.Handle),
				Distance: e.Distance,
			}
		}
		out.Tiles = tiles
	}
	return out
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.IntervalTicks <= 0 {
		sub.IntervalTicks = 1
	}
	if sub.IntervalTicks > 600 {
		sub.IntervalTicks = 600
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
