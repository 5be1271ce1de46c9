package protocol

import "encoding/json"

const Version = "1.0"

// Client -> server message types.
const (
	TypeJoin   = "join"
	TypeSpawn  = "spawn"
	TypeUpdate = "update"
	TypeAction = "action"
	TypeChat   = "chat"
)

// Server -> client message types.
const (
	TypeWelcome     = "welcome"
	TypeSpawnPoints = "spawnpoints"
	TypeSpawned     = "spawned"
	TypeState       = "state"
	TypeKick        = "kick"
	TypeError       = "error"
)

// Envelope is the outer shape of every wire message. Data is decoded
// per type after routing; each message travels in its own websocket
// text frame, so no stream reassembly is ever needed.
type Envelope struct {
	Type     string          `json:"type"`
	PlayerID string          `json:"playerId,omitempty"`
	Version  string          `json:"version,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Encode wraps a typed payload in an Envelope.
func Encode(typ, playerID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, PlayerID: playerID, Data: raw})
}

// EncodeJoin builds the handshake message. Only join carries the
// protocol version; the server rejects mismatches before assigning ids.
func EncodeJoin(name string) ([]byte, error) {
	raw, err := json.Marshal(name)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeJoin, Version: Version, Data: raw})
}

// DecodeString decodes the bare-string payloads (join, chat, action, kick).
func DecodeString(data json.RawMessage) (string, error) {
	var s string
	err := json.Unmarshal(data, &s)
	return s, err
}
