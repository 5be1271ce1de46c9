package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"overland.gg/internal/protocol"
	"overland.gg/internal/server"
	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
)

func newTestStack(t *testing.T) (*server.Server, *world.State, *httptest.Server) {
	t.Helper()
	reg, err := spawn.Load(filepath.Join(t.TempDir(), "spawnpoints.json"))
	if err != nil {
		t.Fatalf("load spawn points: %v", err)
	}
	w := world.New(world.Config{})
	srv := server.New(server.Config{Name: "testserver", MaxPlayers: 4}, log.New(io.Discard, "", 0), w, reg)
	h := NewServer(srv, log.New(io.Discard, "", 0), 5*time.Second)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return srv, w, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode %q: %v", msg, err)
	}
	return env
}

func writeFrame(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHandshake_JoinGetsWelcomeAndSpawnpoints(t *testing.T) {
	srv, _, ts := newTestStack(t)
	conn := dial(t, ts)

	b, err := protocol.EncodeJoin("Alice")
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, b)

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeWelcome {
		t.Fatalf("first frame %q want welcome", env.Type)
	}
	var w protocol.WelcomeData
	if err := json.Unmarshal(env.Data, &w); err != nil {
		t.Fatal(err)
	}
	if w.PlayerID == "" || w.Name != "Alice" || w.Server != "testserver" {
		t.Fatalf("welcome=%+v", w)
	}

	env = readEnvelope(t, conn)
	if env.Type != protocol.TypeSpawnPoints {
		t.Fatalf("second frame %q want spawnpoints", env.Type)
	}
	var pts []protocol.SpawnPointData
	if err := json.Unmarshal(env.Data, &pts); err != nil {
		t.Fatal(err)
	}
	if len(pts) == 0 {
		t.Fatal("empty spawn catalogue")
	}
	if srv.Connections().Len() != 1 {
		t.Fatalf("connections=%d want 1", srv.Connections().Len())
	}
}

func TestHandshake_MalformedFirstFrameClosesWithPolicyViolation(t *testing.T) {
	_, _, ts := newTestStack(t)
	conn := dial(t, ts)

	writeFrame(t, conn, []byte("{not json"))

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v want policy violation close", err)
	}
}

func TestHandshake_NonJoinFirstMessageGetsErrorThenClose(t *testing.T) {
	srv, _, ts := newTestStack(t)
	conn := dial(t, ts)

	raw, _ := protocol.Encode(protocol.TypeChat, "", "hello?")
	writeFrame(t, conn, raw)

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("frame %q want error", env.Type)
	}
	var e protocol.ErrorData
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrBadRequest {
		t.Fatalf("code=%q", e.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after rejected handshake")
	}
	if srv.Connections().Len() != 0 {
		t.Fatal("rejected connection left a registration behind")
	}
}

func TestHandshake_VersionMismatch(t *testing.T) {
	_, _, ts := newTestStack(t)
	conn := dial(t, ts)

	b, _ := json.Marshal(protocol.Envelope{Type: protocol.TypeJoin, Version: "0.9", Data: json.RawMessage(`"Alice"`)})
	writeFrame(t, conn, b)

	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("frame %q want error", env.Type)
	}
	var e protocol.ErrorData
	if err := json.Unmarshal(env.Data, &e); err != nil {
		t.Fatal(err)
	}
	if e.Code != protocol.ErrBadVersion {
		t.Fatalf("code=%q want %q", e.Code, protocol.ErrBadVersion)
	}
}

func TestHandshake_SilentClientTimesOut(t *testing.T) {
	reg, err := spawn.Load(filepath.Join(t.TempDir(), "spawnpoints.json"))
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(server.Config{}, log.New(io.Discard, "", 0), world.New(world.Config{}), reg)
	h := NewServer(srv, log.New(io.Discard, "", 0), 100*time.Millisecond)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to drop a client that never joins")
	}
}

func TestFlow_SpawnUpdateBroadcastKick(t *testing.T) {
	srv, w, ts := newTestStack(t)
	conn := dial(t, ts)

	b, _ := protocol.EncodeJoin("Alice")
	writeFrame(t, conn, b)
	welcome := readEnvelope(t, conn)
	var wd protocol.WelcomeData
	if err := json.Unmarshal(welcome.Data, &wd); err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, conn) // spawnpoints

	raw, _ := protocol.Encode(protocol.TypeSpawn, wd.PlayerID, protocol.SpawnData{SpawnPointID: "crossroads"})
	writeFrame(t, conn, raw)
	if env := readEnvelope(t, conn); env.Type != protocol.TypeSpawned {
		t.Fatalf("frame %q want spawned", env.Type)
	}

	raw, _ = protocol.Encode(protocol.TypeUpdate, wd.PlayerID, protocol.UpdateData{X: 10, Y: 0, Z: 5, Health: 88})
	writeFrame(t, conn, raw)

	deadline := time.Now().Add(3 * time.Second)
	for {
		p, ok := w.Player(wd.PlayerID)
		if ok && p.X == 10 && p.Z == 5 && p.Health == 88 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never applied: %+v ok=%v", p, ok)
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.BroadcastState()
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeState {
		t.Fatalf("frame %q want state", env.Type)
	}
	var st protocol.StateData
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatal(err)
	}
	if len(st.Players) != 1 || st.Players[0].X != 10 {
		t.Fatalf("state=%+v", st)
	}

	if !srv.Kick(wd.PlayerID, "done testing") {
		t.Fatal("kick failed")
	}
	env = readEnvelope(t, conn)
	if env.Type != protocol.TypeKick {
		t.Fatalf("frame %q want kick", env.Type)
	}
	reason, err := protocol.DecodeString(env.Data)
	if err != nil || reason != "done testing" {
		t.Fatalf("reason=%q err=%v", reason, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after kick")
	}
}

func TestReaderDisconnect_RemovesPlayer(t *testing.T) {
	srv, w, ts := newTestStack(t)
	conn := dial(t, ts)

	b, _ := protocol.EncodeJoin("Alice")
	writeFrame(t, conn, b)
	welcome := readEnvelope(t, conn)
	var wd protocol.WelcomeData
	if err := json.Unmarshal(welcome.Data, &wd); err != nil {
		t.Fatal(err)
	}
	readEnvelope(t, conn) // spawnpoints

	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if srv.Connections().Len() == 0 && w.Counts().Players == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("disconnect not reaped: conns=%d players=%d", srv.Connections().Len(), w.Counts().Players)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
