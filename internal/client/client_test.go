package client

import (
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"overland.gg/internal/protocol"
	"overland.gg/internal/server"
	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
	"overland.gg/internal/transport/ws"
)

type remote struct {
	name    string
	x, y, z float64
	health  float64
	updates int
}

// fakeLink is a scriptable stand-in for the game process.
type fakeLink struct {
	mu      sync.Mutex
	x, y, z float64
	health  float64
	ok      bool

	remotes map[string]*remote
	removed []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{health: 100, remotes: map[string]*remote{}}
}

func (l *fakeLink) LocalState() (float64, float64, float64, float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.x, l.y, l.z, l.health, l.ok
}

func (l *fakeLink) SpawnRemote(id, name string, x, y, z float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remotes[id] = &remote{name: name, x: x, y: y, z: z}
}

func (l *fakeLink) UpdateRemote(id string, x, y, z, health float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.remotes[id]
	if !ok {
		r = &remote{}
		l.remotes[id] = r
	}
	r.x, r.y, r.z, r.health = x, y, z, health
	r.updates++
}

func (l *fakeLink) RemoveRemote(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.remotes, id)
	l.removed = append(l.removed, id)
}

func (l *fakeLink) moveTo(x, y, z float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.x, l.y, l.z, l.ok = x, y, z, true
}

func (l *fakeLink) remote(id string) (remote, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.remotes[id]
	if !ok {
		return remote{}, false
	}
	return *r, true
}

func (l *fakeLink) remoteCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.remotes)
}

func newStack(t *testing.T, cfg server.Config) (*server.Server, *world.State, string) {
	t.Helper()
	reg, err := spawn.Load(filepath.Join(t.TempDir(), "spawnpoints.json"))
	if err != nil {
		t.Fatalf("load spawn points: %v", err)
	}
	if cfg.Name == "" {
		cfg.Name = "testserver"
	}
	w := world.New(world.Config{})
	srv := server.New(cfg, log.New(io.Discard, "", 0), w, reg)
	h := ws.NewServer(srv, log.New(io.Discard, "", 0), 5*time.Second)
	ts := httptest.NewServer(h.Handler())
	t.Cleanup(ts.Close)
	return srv, w, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestClient(t *testing.T, link *fakeLink, name string) *Client {
	t.Helper()
	c, err := New(Options{Name: name, Link: link})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveChoice(t *testing.T) {
	pts := []protocol.SpawnPointData{
		{ID: "crossroads", IsDefault: true},
		{ID: "northgate"},
		{ID: "saltworks"},
	}
	cases := []struct {
		choice  string
		want    string
		wantErr bool
	}{
		{"", "crossroads", false},
		{"  ", "crossroads", false},
		{"2", "northgate", false},
		{"3", "saltworks", false},
		{"0", "", true},
		{"4", "", true},
		{"-1", "", true},
		{"Northgate", "Northgate", false}, // ids resolve server-side
	}
	for _, tc := range cases {
		got, err := resolveChoice(tc.choice, pts)
		if tc.wantErr {
			if err == nil {
				t.Errorf("resolveChoice(%q) = %q, want error", tc.choice, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("resolveChoice(%q) = %q, %v, want %q", tc.choice, got, err, tc.want)
		}
	}

	noDefault := []protocol.SpawnPointData{{ID: "alpha"}, {ID: "beta"}}
	if got, err := resolveChoice("", noDefault); err != nil || got != "alpha" {
		t.Errorf("no-default blank = %q, %v, want alpha", got, err)
	}
	if _, err := resolveChoice("", nil); err == nil {
		t.Error("blank choice against empty catalogue should fail")
	}
}

func TestApplyState_ReconcilesRemotePlayers(t *testing.T) {
	link := newFakeLink()
	c := newTestClient(t, link, "self")
	c.playerID = "player-1"

	c.applyState(protocol.StateData{
		Tick: 40,
		Players: []protocol.PlayerData{
			{ID: "player-1", Name: "self", X: 1},
			{ID: "player-2", Name: "bob", X: 10, Z: 20},
			{ID: "player-3", Name: "carol", X: -5},
		},
	})
	if link.remoteCount() != 2 {
		t.Fatalf("remotes=%d want 2 (self must not be mirrored)", link.remoteCount())
	}
	bob, ok := link.remote("player-2")
	if !ok || bob.name != "bob" || bob.x != 10 || bob.z != 20 {
		t.Fatalf("bob=%+v ok=%v", bob, ok)
	}
	if c.Snapshot().Tick != 40 {
		t.Fatalf("snapshot tick=%d", c.Snapshot().Tick)
	}

	// bob moves, carol leaves, dave arrives.
	c.applyState(protocol.StateData{
		Tick: 41,
		Players: []protocol.PlayerData{
			{ID: "player-1", Name: "self", X: 1},
			{ID: "player-2", Name: "bob", X: 11, Z: 20, Health: 92},
			{ID: "player-4", Name: "dave", X: 7},
		},
	})
	bob, _ = link.remote("player-2")
	if bob.x != 11 || bob.health != 92 || bob.updates != 1 {
		t.Fatalf("bob after move=%+v", bob)
	}
	if _, ok := link.remote("player-3"); ok {
		t.Fatal("carol still mirrored after leaving")
	}
	if _, ok := link.remote("player-4"); !ok {
		t.Fatal("dave not mirrored")
	}
	if len(link.removed) != 1 || link.removed[0] != "player-3" {
		t.Fatalf("removed=%v", link.removed)
	}
}

func TestConnect_Handshake(t *testing.T) {
	_, _, url := newStack(t, server.Config{})
	c := newTestClient(t, newFakeLink(), "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != SelectingSpawn {
		t.Fatalf("state=%v want selecting spawn", c.State())
	}
	if c.PlayerID() != "player-1" || c.ServerName() != "testserver" {
		t.Fatalf("id=%q server=%q", c.PlayerID(), c.ServerName())
	}
	if pts := c.SpawnPoints(); len(pts) != 4 || pts[0].ID != "crossroads" {
		t.Fatalf("points=%+v", pts)
	}
	if err := c.Connect(url); err == nil {
		t.Fatal("second connect should fail")
	}
}

func TestConnect_ServerFullSurfacesCode(t *testing.T) {
	_, _, url := newStack(t, server.Config{MaxPlayers: 1})

	first := newTestClient(t, newFakeLink(), "Alice")
	if err := first.Connect(url); err != nil {
		t.Fatalf("first connect: %v", err)
	}

	second := newTestClient(t, newFakeLink(), "Bob")
	err := second.Connect(url)
	if err == nil || !strings.Contains(err.Error(), protocol.ErrServerFull) {
		t.Fatalf("err=%v want %s", err, protocol.ErrServerFull)
	}
	if second.State() != Disconnected {
		t.Fatalf("state=%v", second.State())
	}
}

func TestSelectSpawn_DefaultThenSync(t *testing.T) {
	_, w, url := newStack(t, server.Config{})
	link := newFakeLink()
	c := newTestClient(t, link, "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.StartSync(); err == nil {
		t.Fatal("sync before spawn should fail")
	}
	if err := c.SelectSpawn(""); err != nil {
		t.Fatalf("select spawn: %v", err)
	}
	p, ok := w.Player(c.PlayerID())
	if !ok || !p.Spawned || p.SpawnPoint != "crossroads" || p.X != 0 || p.Z != 0 {
		t.Fatalf("player=%+v ok=%v", p, ok)
	}

	link.moveTo(5, 0, 5)
	if err := c.StartSync(); err != nil {
		t.Fatalf("start sync: %v", err)
	}
	if c.State() != Syncing {
		t.Fatalf("state=%v", c.State())
	}
	eventually(t, "first update to land", func() bool {
		p, _ := w.Player(c.PlayerID())
		return p.X == 5 && p.Z == 5
	})

	c.Disconnect()
	if c.State() != Disconnected {
		t.Fatalf("state=%v after disconnect", c.State())
	}
	c.Disconnect() // idempotent
}

func TestSelectSpawn_NumericChoice(t *testing.T) {
	_, w, url := newStack(t, server.Config{})
	c := newTestClient(t, newFakeLink(), "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectSpawn("2"); err != nil {
		t.Fatalf("select spawn 2: %v", err)
	}
	p, _ := w.Player(c.PlayerID())
	if p.SpawnPoint != "northgate" || p.X != -420 || p.Z != 910 {
		t.Fatalf("player=%+v", p)
	}
}

func TestSendLoop_SkipsSubEpsilonMoves(t *testing.T) {
	_, w, url := newStack(t, server.Config{})
	link := newFakeLink()
	c := newTestClient(t, link, "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectSpawn(""); err != nil {
		t.Fatal(err)
	}
	link.moveTo(3, 0, 4)
	if err := c.StartSync(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "initial position report", func() bool {
		p, _ := w.Player(c.PlayerID())
		return p.X == 3 && p.Z == 4
	})

	// A 0.28-unit shuffle stays under the 0.5 gate, so this position
	// can never reach the server.
	link.moveTo(3.2, 0, 4.2)
	time.Sleep(200 * time.Millisecond)
	if p, _ := w.Player(c.PlayerID()); p.X != 3 || p.Z != 4 {
		t.Fatalf("sub-epsilon move was sent: %+v", p)
	}

	link.moveTo(9, 0, 4)
	eventually(t, "real move to land", func() bool {
		p, _ := w.Player(c.PlayerID())
		return p.X == 9
	})
}

func TestSync_MirrorsOtherPlayers(t *testing.T) {
	srv, w, url := newStack(t, server.Config{})
	link := newFakeLink()
	c := newTestClient(t, link, "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectSpawn(""); err != nil {
		t.Fatal(err)
	}
	link.moveTo(0, 0, 0)
	if err := c.StartSync(); err != nil {
		t.Fatal(err)
	}

	// A second player joins over a raw connection.
	bob, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	t.Cleanup(func() { _ = bob.Close() })
	join, _ := protocol.EncodeJoin("Bob")
	if err := bob.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatal(err)
	}
	// welcome, spawnpoints, then spawn at saltworks.
	readBobEnvelope(t, bob) // welcome
	readBobEnvelope(t, bob) // spawnpoints
	sp, _ := protocol.Encode(protocol.TypeSpawn, "player-2", protocol.SpawnData{SpawnPointID: "saltworks"})
	if err := bob.WriteMessage(websocket.TextMessage, sp); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob to spawn", func() bool {
		p, ok := w.Player("player-2")
		return ok && p.Spawned
	})

	srv.BroadcastState()
	eventually(t, "bob to be mirrored", func() bool {
		r, ok := link.remote("player-2")
		return ok && r.name == "Bob" && r.x == 760 && r.z == -185
	})

	// Bob moves; the next broadcast must update the mirror.
	up, _ := protocol.Encode(protocol.TypeUpdate, "player-2", protocol.UpdateData{X: 770, Y: 0, Z: -185, Health: 95})
	if err := bob.WriteMessage(websocket.TextMessage, up); err != nil {
		t.Fatal(err)
	}
	eventually(t, "bob's move to apply", func() bool {
		p, _ := w.Player("player-2")
		return p.X == 770
	})
	srv.BroadcastState()
	eventually(t, "bob's mirror to move", func() bool {
		r, _ := link.remote("player-2")
		return r.x == 770 && r.health == 95
	})

	// Bob leaves; the mirror must be dropped.
	_ = bob.Close()
	eventually(t, "bob to be reaped", func() bool {
		return srv.Connections().Len() == 1
	})
	srv.BroadcastState()
	eventually(t, "bob's mirror to vanish", func() bool {
		_, ok := link.remote("player-2")
		return !ok
	})
}

func TestKick_SurfacedAndTerminal(t *testing.T) {
	srv, _, url := newStack(t, server.Config{})
	link := newFakeLink()
	c := newTestClient(t, link, "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectSpawn(""); err != nil {
		t.Fatal(err)
	}
	link.moveTo(1, 0, 1)
	if err := c.StartSync(); err != nil {
		t.Fatal(err)
	}

	if !srv.Kick(c.PlayerID(), "flooding") {
		t.Fatal("kick refused")
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after kick")
	}
	if c.KickReason() != "flooding" {
		t.Fatalf("kick reason=%q", c.KickReason())
	}
	if c.State() != Disconnected {
		t.Fatalf("state=%v", c.State())
	}
	if err := c.Connect(url); err == nil {
		t.Fatal("closed client accepted a new connect")
	}
}

func TestChat_ReachesEventRing(t *testing.T) {
	_, w, url := newStack(t, server.Config{})
	c := newTestClient(t, newFakeLink(), "Alice")

	if err := c.Connect(url); err != nil {
		t.Fatal(err)
	}
	if err := c.SelectSpawn(""); err != nil {
		t.Fatal(err)
	}
	if err := c.Chat("anyone near the saltworks?"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	eventually(t, "chat event", func() bool {
		for _, e := range w.Snapshot().Events {
			if e.Type == world.EventChat && e.Message == "anyone near the saltworks?" {
				return true
			}
		}
		return false
	})
}

func readBobEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.DecodeEnvelope(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}
