package protocol

// Query kinds.
const (
	QuerySample = "sample"
	QueryNormal = "normal"
	QueryMask   = "mask"
)

// QUERY (client -> server): an on-demand batch lookup, answered
// synchronously out of band with the tick loop.
type QueryMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version,omitempty"`
	ID              string       `json:"id,omitempty"`
	Kind            string       `json:"kind"`
	Mode            string       `json:"mode,omitempty"` // sample only: bilinear|bicubic
	Points          [][2]float64 `json:"points"`
}

// QUERY_RESULT (server -> client)
type QueryResultMsg struct {
	Type       string       `json:"type"`
	ID         string       `json:"id,omitempty"`
	Kind       string       `json:"kind"`
	Generation uint64       `json:"generation"`
	Elevations []float64    `json:"elevations,omitempty"`
	Normals    [][3]float64 `json:"normals,omitempty"`
	Mask       []float64    `json:"mask,omitempty"`
	// PointErrors reports per-point failures; the other slots keep their
	// full batch length with zero values at the failed indexes.
	PointErrors []PointError `json:"point_errors,omitempty"`
}

type PointError struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
