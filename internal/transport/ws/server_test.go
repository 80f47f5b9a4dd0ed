package ws

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/collider"
	"moonfield.io/internal/sim/encoding"
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

// newTestServer runs a real streamer loop behind the websocket handler.
// Default terrains: "alpha" 8x8 at 4 m/px, "bravo" 6x5 at 2 m/px; tiles are
// 8 m with build/remove radii 5/8 m and a query limit of 8 points.
func newTestServer(t *testing.T, assets ...library.Asset) *httptest.Server {
	t.Helper()
	if len(assets) == 0 {
		assets = []library.Asset{
			{Name: "alpha", Digest: "digest-alpha", DEM: rampDEM(t, 8, 8, 4)},
			{Name: "bravo", Digest: "digest-bravo", DEM: rampDEM(t, 6, 5, 2)},
		}
	}
	lib, err := library.New(assets, 1)
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
	done := make(chan error, 1)
	go func() { done <- st.Run(context.Background()) }()

	ts := httptest.NewServer(NewServer(st, 64, zap.NewNop()).Handler())
	t.Cleanup(func() {
		ts.Close()
		st.Stop()
		<-done
	})
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil skips unrelated broadcast frames until a message of the wanted
// type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", msgType, err)
		}
		base, err := protocol.DecodeBase(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if base.Type == msgType {
			return b
		}
	}
}

func join(t *testing.T, ts *httptest.Server, patches bool) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn := dialWS(t, ts)
	sendJSON(t, conn, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      "rover",
		Capabilities:    protocol.HelloCapabilities{Patches: patches},
	})
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeWelcome), &w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return conn, w
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorMsg {
	t.Helper()
	var e protocol.ErrorMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeError), &e); err != nil {
		t.Fatalf("error msg: %v", err)
	}
	return e
}

func TestHandshake_Welcome(t *testing.T) {
	ts := newTestServer(t)
	conn, w := join(t, ts, false)
	defer conn.Close()

	if w.SessionID == "" {
		t.Fatalf("welcome carries no session id")
	}
	if w.ProtocolVersion != protocol.Version {
		t.Fatalf("protocol version %q, want %q", w.ProtocolVersion, protocol.Version)
	}
	if w.TickRateHz != 200 || w.Sampler != "bicubic" {
		t.Fatalf("advertised %d Hz sampler %q", w.TickRateHz, w.Sampler)
	}
	if w.Cache.TileSizeM != 8 || w.Cache.BuildRadiusM != 5 || w.Cache.RemoveRadiusM != 8 || w.Cache.MaxCacheSize != 16 {
		t.Fatalf("cache params = %+v", w.Cache)
	}
	if w.Terrain.Name != "alpha" || w.Terrain.Generation != 1 {
		t.Fatalf("terrain = %+v", w.Terrain)
	}
	if w.Terrain.Width != 8 || w.Terrain.Height != 8 || w.Terrain.MetersPerPixel != 4 {
		t.Fatalf("terrain dims = %+v", w.Terrain)
	}
	if w.Terrain.Digest != "digest-alpha" {
		t.Fatalf("terrain digest = %q", w.Terrain.Digest)
	}
	if w.Limits.MaxQueryPoints != 8 {
		t.Fatalf("limits = %+v", w.Limits)
	}
}

func TestHandshake_RejectsNonHello(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)
	defer conn.Close()

	sendJSON(t, conn, protocol.PoseMsg{Type: protocol.TypePose, X: 1, Y: 2})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy violation close, got %v", err)
	}
}

func TestHandshake_RejectsWrongVersion(t *testing.T) {
	ts := newTestServer(t)
	conn := dialWS(t, ts)
	defer conn.Close()

	sendJSON(t, conn, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.9", ClientName: "old"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("want policy violation close, got %v", err)
	}
}

func TestQuery_SampleAndMask(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	// alpha at 4 m/px: world (0,0) hits pixel (0,0)=0, (4,4) hits (1,1)=11,
	// (2,0) is halfway between columns 0 and 1.
	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, ID: "q1", Kind: protocol.QuerySample,
		Mode: "bilinear", Points: [][2]float64{{0, 0}, {4, 4}, {2, 0}},
	})
	var res protocol.QueryResultMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeQueryResult), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.ID != "q1" || res.Kind != protocol.QuerySample || res.Generation != 1 {
		t.Fatalf("result header = %+v", res)
	}
	want := []float64{0, 11, 5}
	if len(res.Elevations) != len(want) {
		t.Fatalf("got %d elevations, want %d", len(res.Elevations), len(want))
	}
	for i := range want {
		if math.Abs(res.Elevations[i]-want[i]) > 1e-6 {
			t.Fatalf("elevation[%d] = %g, want %g", i, res.Elevations[i], want[i])
		}
	}

	// No mask in the container: zeros, full batch length.
	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, ID: "q2", Kind: protocol.QueryMask,
		Points: [][2]float64{{0, 0}, {4, 4}},
	})
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeQueryResult), &res); err != nil {
		t.Fatalf("decode mask result: %v", err)
	}
	if res.ID != "q2" || len(res.Mask) != 2 || res.Mask[0] != 0 || res.Mask[1] != 0 {
		t.Fatalf("mask result = %+v", res)
	}
}

func TestQuery_Normals(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, Kind: protocol.QueryNormal,
		Points: [][2]float64{{4, 4}},
	})
	var res protocol.QueryResultMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeQueryResult), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.Normals) != 1 || len(res.PointErrors) != 0 {
		t.Fatalf("normals result = %+v", res)
	}
	n := res.Normals[0]
	mag := math.Sqrt(n[0]*n[0] + n[1]*n[1] + n[2]*n[2])
	if math.Abs(mag-1) > 1e-9 {
		t.Fatalf("normal not unit length: %v", n)
	}
	// The ramp rises along +x, so the normal tilts toward -x and up.
	if n[0] >= 0 || n[2] <= 0 {
		t.Fatalf("normal direction = %v", n)
	}
}

func TestQuery_NormalDegenerateReported(t *testing.T) {
	flat, err := terrain.NewDEM(4, 4, 1e-7, make([]float32, 16))
	if err != nil {
		t.Fatalf("NewDEM: %v", err)
	}
	ts := newTestServer(t, library.Asset{Name: "flat", Digest: "digest-flat", DEM: flat})
	conn, _ := join(t, ts, false)
	defer conn.Close()

	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, Kind: protocol.QueryNormal,
		Points: [][2]float64{{0, 0}},
	})
	var res protocol.QueryResultMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeQueryResult), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(res.PointErrors) != 1 {
		t.Fatalf("point errors = %+v", res.PointErrors)
	}
	pe := res.PointErrors[0]
	if pe.Index != 0 || pe.Code != protocol.ErrDegenerateNormal {
		t.Fatalf("point error = %+v", pe)
	}
	if res.Normals[0] != ([3]float64{}) {
		t.Fatalf("degenerate point yielded non-zero normal %v", res.Normals[0])
	}
}

func TestQuery_BatchTooLarge(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	pts := make([][2]float64, 9) // limit is 8
	sendJSON(t, conn, protocol.QueryMsg{Type: protocol.TypeQuery, Kind: protocol.QuerySample, Points: pts})
	if e := readError(t, conn); e.Code != protocol.ErrBatchTooLarge {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrBatchTooLarge)
	}
}

func TestQuery_BadModeAndKind(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, Kind: protocol.QuerySample,
		Mode: "nearest", Points: [][2]float64{{0, 0}},
	})
	if e := readError(t, conn); e.Code != protocol.ErrBadMode {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrBadMode)
	}

	sendJSON(t, conn, protocol.QueryMsg{
		Type: protocol.TypeQuery, Kind: "slope",
		Points: [][2]float64{{0, 0}},
	})
	if e := readError(t, conn); e.Code != protocol.ErrBadRequest {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrBadRequest)
	}
}

func TestPose_StreamsDeltas(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	// (4,9) is 3 m from tile (0,1)'s center and 5 m from (0,0)'s: both build,
	// nearest first.
	sendJSON(t, conn, protocol.PoseMsg{Type: protocol.TypePose, X: 4, Y: 9})
	var d protocol.DeltaMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeDelta), &d); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if d.Generation != 1 || d.CacheLen != 2 {
		t.Fatalf("delta header = %+v", d)
	}
	if len(d.Built) != 2 {
		t.Fatalf("built %d tiles, want 2", len(d.Built))
	}
	if d.Built[0].Tile != [2]int{0, 1} || d.Built[1].Tile != [2]int{0, 0} {
		t.Fatalf("build order = %v, %v", d.Built[0].Tile, d.Built[1].Tile)
	}
	if d.Built[0].Distance != 3 || d.Built[1].Distance != 5 {
		t.Fatalf("distances = %g, %g", d.Built[0].Distance, d.Built[1].Distance)
	}
	if d.Built[0].Patch != nil {
		t.Fatalf("lean session received a patch payload")
	}
}

func TestPose_PatchPayloads(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, true)
	defer conn.Close()

	sendJSON(t, conn, protocol.PoseMsg{Type: protocol.TypePose, X: 4, Y: 9})
	var d protocol.DeltaMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeDelta), &d); err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	if len(d.Built) != 2 || d.Built[0].Patch == nil {
		t.Fatalf("patch session delta = %+v", d)
	}
	p := d.Built[0].Patch // tile (0,1): pixels x 0..2, y 2..4
	if p.MinX != 0 || p.MinY != 2 || p.Width != 3 || p.Height != 3 {
		t.Fatalf("patch bounds = %+v", p)
	}
	if p.Encoding != protocol.PatchEncoding || p.MetersPerPixel != 4 {
		t.Fatalf("patch meta = %+v", p)
	}
	vals, err := encoding.DecodeF32(p.Data)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(vals) != 9 {
		t.Fatalf("payload has %d samples, want 9", len(vals))
	}
	// First row (ix=0) of the ramp: f(0,2..4) = 2,3,4.
	if vals[0] != 2 || vals[1] != 3 || vals[2] != 4 {
		t.Fatalf("payload row = %v", vals[:3])
	}
}

func TestSwitchTerrain_BroadcastAndUnknown(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	sendJSON(t, conn, protocol.SwitchTerrainMsg{Type: protocol.TypeSwitchTerrain, TerrainID: 1})
	var tm protocol.TerrainMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeTerrain), &tm); err != nil {
		t.Fatalf("decode terrain: %v", err)
	}
	if tm.Terrain.Name != "bravo" || tm.Terrain.Generation != 2 {
		t.Fatalf("terrain broadcast = %+v", tm.Terrain)
	}
	if tm.Terrain.Width != 6 || tm.Terrain.Height != 5 || tm.Terrain.MetersPerPixel != 2 {
		t.Fatalf("terrain dims = %+v", tm.Terrain)
	}

	sendJSON(t, conn, protocol.SwitchTerrainMsg{Type: protocol.TypeSwitchTerrain, TerrainID: 99})
	if e := readError(t, conn); e.Code != protocol.ErrUnknownTerrain {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrUnknownTerrain)
	}
}

func TestReader_RejectsGarbage(t *testing.T) {
	ts := newTestServer(t)
	conn, _ := join(t, ts, false)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := readError(t, conn); e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrProtoBadRequest)
	}

	sendJSON(t, conn, map[string]string{"type": "NOPE"})
	if e := readError(t, conn); e.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrProtoBadRequest)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"POSE","x":"far"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if e := readError(t, conn); e.Code != protocol.ErrBadRequest {
		t.Fatalf("error code = %q, want %q", e.Code, protocol.ErrBadRequest)
	}
}
