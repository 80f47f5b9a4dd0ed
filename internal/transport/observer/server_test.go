package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"moonfield.io/internal/observerproto"
	"moonfield.io/internal/sim/collider"
	"moonfield.io/internal/sim/library"
	"moonfield.io/internal/sim/streamer"
	"moonfield.io/internal/sim/terrain"
)

func rampDEM(t *testing.T, w, h int, mpp float64) *terrain.DEM {
	t.Helper()
	data := make([]float32, w*h)
	for ix := 0; ix < w; ix++ {
		for iy := 0; iy < h; iy++ {
			data[ix*h+iy] = float32(ix*10 + iy)
		}
	}
	dem, err := terrain.NewDEM(w, h, mpp, data)
	if err != nil {
		t.Fatalf("NewDEM: %v", err)
	}
	return dem
}

func newTestStreamer(t *testing.T) (*streamer.Streamer, *library.Library) {
	t.Helper()
	lib, err := library.New([]library.Asset{
		{Name: "alpha", Digest: "digest-alpha", DEM: rampDEM(t, 8, 8, 4)},
		{Name: "bravo", Digest: "digest-bravo", DEM: rampDEM(t, 6, 5, 2)},
	}, 1)
	if err != nil {
		t.Fatalf("library.New: %v", err)
	}
	st, err := streamer.New(streamer.Config{
		TickRateHz:     200,
		SamplerMode:    "bicubic",
		MaxQueryPoints: 8,
		Collider: collider.Config{
			TileSize:     8,
			BuildRadius:  5,
			RemoveRadius: 8,
			MaxCacheSize: 16,
		},
	}, lib, zap.NewNop())
	if err != nil {
		t.Fatalf("streamer.New: %v", err)
	}
	return st, lib
}

func newTestObserver(t *testing.T) (*httptest.Server, *streamer.Streamer) {
	t.Helper()
	st, lib := newTestStreamer(t)
	done := make(chan error, 1)
	go func() { done <- st.Run(context.Background()) }()

	srv := NewServer(st, lib, zap.NewNop())
	mux := http.NewServeMux()
	mux.Handle("/bootstrap", srv.BootstrapHandler())
	mux.Handle("/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		st.Stop()
		<-done
	})
	return ts, st
}

func TestBootstrap(t *testing.T) {
	ts, _ := newTestObserver(t)

	res, err := http.Get(ts.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var boot observerproto.BootstrapResponse
	if err := json.NewDecoder(res.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.ProtocolVersion != observerproto.Version {
		t.Fatalf("protocol version = %q", boot.ProtocolVersion)
	}
	if boot.TickRateHz != 200 || boot.Sampler != "bicubic" {
		t.Fatalf("params = %d Hz %q", boot.TickRateHz, boot.Sampler)
	}
	if boot.Cache.TileSizeM != 8 || boot.Cache.BuildRadiusM != 5 {
		t.Fatalf("cache = %+v", boot.Cache)
	}
	if boot.Terrain.Name != "alpha" || boot.Terrain.Generation != 1 || boot.Terrain.Digest != "digest-alpha" {
		t.Fatalf("terrain = %+v", boot.Terrain)
	}
	if len(boot.Terrains) != 2 || boot.Terrains[0].Name != "alpha" || boot.Terrains[1].ID != 1 {
		t.Fatalf("terrains = %+v", boot.Terrains)
	}
	if boot.Limits.MaxQueryPoints != 8 {
		t.Fatalf("limits = %+v", boot.Limits)
	}
}

func TestBootstrap_Gates(t *testing.T) {
	st, lib := newTestStreamer(t)
	srv := NewServer(st, lib, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "http://observer/bootstrap", nil)
	req.RemoteAddr = "203.0.113.9:50000"
	rec := httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "http://observer/bootstrap", nil)
	req.RemoteAddr = "127.0.0.1:50000"
	rec = httptest.NewRecorder()
	srv.BootstrapHandler()(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST status = %d, want 405", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "http://observer/ws", nil)
	req.RemoteAddr = "203.0.113.9:50000"
	rec = httptest.NewRecorder()
	srv.WSHandler()(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-loopback ws status = %d, want 403", rec.Code)
	}
}

func dialObserver(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readSummary(t *testing.T, conn *websocket.Conn) observerproto.SummaryMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var sum observerproto.SummaryMsg
	if err := json.Unmarshal(b, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Type != "SUMMARY" {
		t.Fatalf("message type = %q", sum.Type)
	}
	return sum
}

func TestWS_SummariesFollowTheCache(t *testing.T) {
	ts, st := newTestObserver(t)
	conn := dialObserver(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version,
		IntervalTicks: 1, Tiles: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Before any pose the cache is empty.
	sum := readSummary(t, conn)
	if sum.Metrics.CacheLen != 0 || len(sum.Tiles) != 0 {
		t.Fatalf("initial summary = %+v", sum)
	}

	// Drive the loop directly; (4,9) builds tiles (0,1) and (0,0).
	st.Poses() <- streamer.PoseUpdate{Session: "obs-test", X: 4, Y: 9}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sum = readSummary(t, conn)
		if sum.Metrics.CacheLen == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache never reached 2 entries: %+v", sum.Metrics)
		}
	}
	if len(sum.Tiles) != 2 {
		t.Fatalf("summary lists %d tiles, want 2", len(sum.Tiles))
	}
	// Entries are sorted by coordinate.
	if sum.Tiles[0].Tile != [2]int{0, 0} || sum.Tiles[1].Tile != [2]int{0, 1} {
		t.Fatalf("tile order = %v, %v", sum.Tiles[0].Tile, sum.Tiles[1].Tile)
	}
	for _, tile := range sum.Tiles {
		if tile.State != "built" || tile.Handle == 0 {
			t.Fatalf("tile = %+v", tile)
		}
	}
	if !sum.Metrics.HavePose || sum.Metrics.X != 4 || sum.Metrics.Y != 9 {
		t.Fatalf("metrics pose = %+v", sum.Metrics)
	}
}

func TestWS_ResubscribeDropsTiles(t *testing.T) {
	ts, st := newTestObserver(t)
	conn := dialObserver(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version,
		IntervalTicks: 1, Tiles: true,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	st.Poses() <- streamer.PoseUpdate{X: 4, Y: 9}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if sum := readSummary(t, conn); len(sum.Tiles) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw a tile listing")
		}
	}

	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version,
		IntervalTicks: 1, Tiles: false,
	}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	for {
		sum := readSummary(t, conn)
		if len(sum.Tiles) == 0 {
			if sum.Metrics.CacheLen != 2 {
				t.Fatalf("metrics lost the cache: %+v", sum.Metrics)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tiles never dropped from the feed")
		}
	}
}

func TestWS_RejectsNonSubscribe(t *testing.T) {
	ts, _ := newTestObserver(t)
	conn := dialObserver(t, ts)
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": "NOPE"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy violation close, got %v", err)
	}
}
