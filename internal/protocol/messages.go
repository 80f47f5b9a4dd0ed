package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	ClientName      string            `json:"client_name"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
}

type HelloCapabilities struct {
	// Patches asks for sub-patch payloads inside DELTA messages. Clients
	// that only track handles leave it off and save the bandwidth.
	Patches  bool `json:"patches,omitempty"`
	MaxQueue int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	TickRateHz      int         `json:"tick_rate_hz"`
	Sampler         string      `json:"sampler"`
	Cache           CacheParams `json:"cache"`
	Terrain         TerrainInfo `json:"terrain"`
	Limits          Limits      `json:"limits"`
}

type CacheParams struct {
	TileSizeM     float64 `json:"tile_size_m"`
	BuildRadiusM  float64 `json:"build_radius_m"`
	RemoveRadiusM float64 `json:"remove_radius_m"`
	MaxCacheSize  int     `json:"max_cache_size"`
}

type TerrainInfo struct {
	Name           string  `json:"name"`
	Generation     uint64  `json:"generation"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MetersPerPixel float64 `json:"meters_per_pixel"`
	OffsetX        float64 `json:"offset_x"`
	OffsetY        float64 `json:"offset_y"`
	HasMask        bool    `json:"has_mask"`
	Digest         string  `json:"digest,omitempty"`
}

type Limits struct {
	MaxQueryPoints int `json:"max_query_points"`
}

// POSE (client -> server): the reference point the collider cache follows.
// Z is recorded for telemetry only; cache decisions use X/Y.
type PoseMsg struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z,omitempty"`
}

// SWITCH_TERRAIN (client -> server): swap the active terrain by library id.
// A negative id means a random pick.
type SwitchTerrainMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	TerrainID       int    `json:"terrain_id"`
}

// TERRAIN (server -> client): broadcast after a swap took effect.
type TerrainMsg struct {
	Type    string      `json:"type"`
	Tick    uint64      `json:"tick"`
	Terrain TerrainInfo `json:"terrain"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
