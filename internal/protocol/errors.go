package protocol

const (
	// Handshake admission.
	ErrBadVersion = "E_BAD_VERSION"
	ErrServerFull = "E_SERVER_FULL"

	// Message validation.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrBadState   = "E_BAD_STATE"

	// Spawn resolution.
	ErrNoSpawnPoints = "E_NO_SPAWN_POINTS"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrBadVersion:    {},
	ErrServerFull:    {},
	ErrBadRequest:    {},
	ErrBadState:      {},
	ErrNoSpawnPoints: {},
	ErrInternal:      {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
