package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"moonfield.io/internal/protocol"
)

// rover drives a pose in a circle around the origin and prints what the
// server streams back. Handy for watching the cache build ahead of the
// pose and tear down behind it.
func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "rover", "client name")
		radius  = flag.Float64("radius", 12, "circle radius in meters")
		lap     = flag.Duration("lap", 30*time.Second, "time per full circle")
		rate    = flag.Float64("rate", 10, "pose updates per second")
		patches = flag.Bool("patches", false, "request sub-patch payloads in deltas")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[rover] ", log.LstdFlags|log.Lmicroseconds)

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		Capabilities: protocol.HelloCapabilities{
			Patches:  *patches,
			MaxQueue: 8,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readLoop(conn, logger)
	}()

	if *rate <= 0 {
		*rate = 10
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()

	start := time.Now()
	var poses, queries uint64
	queryEvery := uint64(math.Max(*rate, 1))

	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			theta := 2 * math.Pi * float64(time.Since(start)) / float64(*lap)
			x := *radius * math.Cos(theta)
			y := *radius * math.Sin(theta)
			if err := conn.WriteJSON(protocol.PoseMsg{Type: protocol.TypePose, X: x, Y: y}); err != nil {
				logger.Printf("send POSE: %v", err)
				return
			}

			// Sample the ground under the rover about once a second.
			poses++
			if poses%queryEvery == 0 {
				queries++
				q := protocol.QueryMsg{
					Type:            protocol.TypeQuery,
					ProtocolVersion: protocol.Version,
					ID:              fmt.Sprintf("q%d", queries),
					Kind:            protocol.QuerySample,
					Points:          [][2]float64{{x, y}},
				}
				if err := conn.WriteJSON(q); err != nil {
					logger.Printf("send QUERY: %v", err)
					return
				}
			}
		}
	}
}

func readLoop(conn *websocket.Conn, logger *log.Logger) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Printf("read: %v", err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			logger.Printf("WELCOME session=%s terrain=%s gen=%d tick_rate=%d tile=%gm build=%gm remove=%gm",
				w.SessionID, w.Terrain.Name, w.Terrain.Generation, w.TickRateHz,
				w.Cache.TileSizeM, w.Cache.BuildRadiusM, w.Cache.RemoveRadiusM)

		case protocol.TypeDelta:
			var d protocol.DeltaMsg
			if err := json.Unmarshal(msg, &d); err != nil {
				continue
			}
			if len(d.Built) == 0 && len(d.Evicted) == 0 && len(d.Contended) == 0 {
				continue
			}
			logger.Printf("DELTA tick=%d gen=%d built=%d evicted=%d contended=%d cache=%d",
				d.Tick, d.Generation, len(d.Built), len(d.Evicted), len(d.Contended), d.CacheLen)

		case protocol.TypeTerrain:
			var t protocol.TerrainMsg
			if err := json.Unmarshal(msg, &t); err != nil {
				continue
			}
			logger.Printf("TERRAIN tick=%d name=%s gen=%d", t.Tick, t.Terrain.Name, t.Terrain.Generation)

		case protocol.TypeQueryResult:
			var r protocol.QueryResultMsg
			if err := json.Unmarshal(msg, &r); err != nil {
				continue
			}
			if len(r.Elevations) > 0 {
				logger.Printf("QUERY_RESULT id=%s gen=%d elevation=%.3f", r.ID, r.Generation, r.Elevations[0])
			}

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			logger.Printf("ERROR code=%s msg=%s", e.Code, e.Message)
		}
	}
}
