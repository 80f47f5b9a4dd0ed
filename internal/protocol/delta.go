package protocol

// DELTA (server -> client): the outcome of one reconcile pass. Sent every
// tick the pass changed anything or reported contention.
type DeltaMsg struct {
	Type       string   `json:"type"`
	Tick       uint64   `json:"tick"`
	Generation uint64   `json:"generation"`
	Built      []Built  `json:"built,omitempty"`
	Evicted    []Evict  `json:"evicted,omitempty"`
	Contended  [][2]int `json:"contended,omitempty"`
	CacheLen   int      `json:"cache_len"`
}

type Built struct {
	Tile     [2]int  `json:"tile"`
	Handle   uint64  `json:"handle"`
	Distance float64 `json:"distance"`
	// Patch is present only for sessions that asked for patches in HELLO.
	Patch *PatchPayload `json:"patch,omitempty"`
}

type Evict struct {
	Tile   [2]int `json:"tile"`
	Handle uint64 `json:"handle"`
	Reason string `json:"reason"`
}

// PatchPayload carries the DEM samples covering a built tile.
type PatchPayload struct {
	MinX           int     `json:"min_x"`
	MinY           int     `json:"min_y"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	MetersPerPixel float64 `json:"meters_per_pixel"`
	Encoding       string  `json:"encoding"` // "F32LE"
	Data           string  `json:"data"`     // base64
}

// PatchEncoding is the only payload encoding this version emits.
const PatchEncoding = "F32LE"
