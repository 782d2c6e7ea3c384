package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Region routing/state.
	ErrRegionNotFound = "E_REGION_NOT_FOUND"
	ErrRegionBusy     = "E_REGION_BUSY"
	ErrNoSnapshot     = "E_NO_SNAPSHOT"
	ErrWorldMissing   = "E_WORLD_MISSING"

	ErrBadRequest = "E_BAD_REQUEST"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrRegionNotFound:  {},
	ErrRegionBusy:      {},
	ErrNoSnapshot:      {},
	ErrWorldMissing:    {},
	ErrBadRequest:      {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
