package observerproto

import (
	"moonfield.io/internal/protocol"
	"moonfield.io/internal/sim/streamer"
)

// Version is the observer protocol version, separate from the client WS
// protocol.
const Version = "0.1"

// Client -> server. First message on the observer socket; may be re-sent to
// retune the feed.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// IntervalTicks spaces the summaries; 1 means every tick.
	IntervalTicks int `json:"interval_ticks,omitempty"`
	// Tiles includes the per-tile cache listing in each summary.
	Tiles bool `json:"tiles,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string               `json:"protocol_version"`
	Tick            uint64               `json:"tick"`
	TickRateHz      int                  `json:"tick_rate_hz"`
	Sampler         string               `json:"sampler"`
	Cache           protocol.CacheParams `json:"cache"`
	Terrain         protocol.TerrainInfo `json:"terrain"`
	Terrains        []TerrainEntry       `json:"terrains"`
	Limits          protocol.Limits      `json:"limits"`
}

// TerrainEntry lists one library asset for switch menus.
type TerrainEntry struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Digest         string  `json:"digest"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MetersPerPixel float64 `json:"meters_per_pixel"`
	HasMask        bool    `json:"has_mask"`
}

// Server -> client. Sent on the subscribed cadence.
type SummaryMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	Metrics         streamer.Metrics `json:"metrics"`
	Tiles           []TileState      `json:"tiles,omitempty"`
}

// TileState is one live cache entry.
type TileState struct {
	Tile     [2]int  `json:"tile"`
	State    string  `json:"state"`
	Handle   uint64  `json:"handle"`
	Distance float64 `json:"distance"`
}
