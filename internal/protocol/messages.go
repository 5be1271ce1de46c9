package protocol

// join (client -> server): data is the display name string.
// chat (client -> server): data is the message string.
// action (client -> server): data is an implementation-defined string.
// kick (server -> client): data is the reason string.

// spawn (client -> server)
type SpawnData struct {
	SpawnPointID string `json:"spawnPointId"`
}

// update (client -> server)
type UpdateData struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Health float64 `json:"health"`
}

// welcome (server -> client)
type WelcomeData struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Server   string `json:"server,omitempty"`
}

// spawnpoints (server -> client): data is []SpawnPointData.
type SpawnPointData struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Region      string  `json:"region,omitempty"`
	X           float64 `json:"x"`
	Z           float64 `json:"z"`
	IsDefault   bool    `json:"isDefault,omitempty"`
}

// spawned (server -> client)
type SpawnedData struct {
	SpawnPoint string  `json:"spawnPoint"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Region     string  `json:"region,omitempty"`
}

// state (server -> client): one world snapshot per broadcast tick.
type StateData struct {
	Tick    uint64       `json:"tick"`
	Players []PlayerData `json:"players"`
	NPCs    []NPCData    `json:"npcs"`
	Events  []EventData  `json:"events"`
}

type PlayerData struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Health    float64 `json:"health"`
	MaxHealth float64 `json:"maxHealth"`
}

type NPCData struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Z       float64 `json:"z"`
	Health  float64 `json:"health"`
	Faction string  `json:"faction,omitempty"`
}

type EventData struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	PlayerID string `json:"playerId,omitempty"`
	Name     string `json:"name,omitempty"`
	Message  string `json:"message,omitempty"`
	Time     int64  `json:"time"` // unix millis
}

// error (server -> client)
type ErrorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
