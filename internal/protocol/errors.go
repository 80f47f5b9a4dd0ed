package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Query layer.
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrBadMode          = "E_BAD_MODE"
	ErrBatchTooLarge    = "E_BATCH_TOO_LARGE"
	ErrDegenerateNormal = "E_DEGENERATE_NORMAL"

	// Terrain control.
	ErrUnknownTerrain = "E_UNKNOWN_TERRAIN"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrBadRequest:       {},
	ErrBadMode:          {},
	ErrBatchTooLarge:    {},
	ErrDegenerateNormal: {},
	ErrUnknownTerrain:   {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
