package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeJoin_CarriesVersion(t *testing.T) {
	b, err := EncodeJoin("Alice")
	if err != nil {
		t.Fatalf("encode join: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != TypeJoin {
		t.Fatalf("type=%q want %q", env.Type, TypeJoin)
	}
	if env.Version != Version {
		t.Fatalf("version=%q want %q", env.Version, Version)
	}
	name, err := DecodeString(env.Data)
	if err != nil {
		t.Fatalf("decode name: %v", err)
	}
	if name != "Alice" {
		t.Fatalf("name=%q want %q", name, "Alice")
	}
}

func TestEncode_RoundTripsTypedPayloads(t *testing.T) {
	b, err := Encode(TypeUpdate, "player-7", UpdateData{X: 1.5, Y: 0, Z: -3.25, Health: 88})
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	env, err := DecodeEnvelope(b)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != TypeUpdate || env.PlayerID != "player-7" {
		t.Fatalf("envelope=%+v", env)
	}
	var upd UpdateData
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		t.Fatalf("decode update data: %v", err)
	}
	if upd.X != 1.5 || upd.Z != -3.25 || upd.Health != 88 {
		t.Fatalf("update=%+v", upd)
	}
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error on truncated JSON")
	}
	// Unknown fields and types pass through decode; routing rejects them later.
	env, err := DecodeEnvelope([]byte(`{"type":"teleport","data":{"warp":9}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != "teleport" {
		t.Fatalf("type=%q", env.Type)
	}
}

func TestDecodeString_RejectsNonString(t *testing.T) {
	if _, err := DecodeString(json.RawMessage(`{"not":"a string"}`)); err == nil {
		t.Fatalf("expected error for object payload")
	}
	s, err := DecodeString(json.RawMessage(`"hello"`))
	if err != nil || s != "hello" {
		t.Fatalf("got %q err=%v", s, err)
	}
}
