package client

// GameLink is the seam between the sync client and the running game
// process. The client reads the local player through it and mirrors
// the other players back into it; how they are rendered is the game's
// business.
//
// LocalState is called from the send loop and the remote-player
// methods from the receive loop, so an implementation only ever sees
// one reconciliation call at a time.
type GameLink interface {
	// LocalState reports the local player's position and health.
	// ok is false while the game has no readable player yet.
	LocalState() (x, y, z, health float64, ok bool)

	// SpawnRemote introduces a player the local world has not seen.
	SpawnRemote(id, name string, x, y, z float64)

	// UpdateRemote moves a known remote player.
	UpdateRemote(id string, x, y, z, health float64)

	// RemoveRemote drops a remote player that left the server.
	RemoveRemote(id string)
}
