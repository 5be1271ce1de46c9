// Package client implements the game-side half of the sync protocol:
// join a server, pick a spawn point, then keep the local game and the
// server's authoritative world in step until kicked or disconnected.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"overland.gg/internal/protocol"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
)

// State names the phase of the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	AwaitingHandshake
	SelectingSpawn
	Syncing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting handshake"
	case SelectingSpawn:
		return "selecting spawn"
	case Syncing:
		return "syncing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	Name             string        // display name sent at join; blank becomes "wanderer"
	Link             GameLink      // required
	Logger           *log.Logger   // nil discards
	HandshakeTimeout time.Duration // bound on welcome/spawned waits, default 5s
	SendRateHz       int           // local state sampling cadence, default 20
	SendEpsilon      float64       // planar movement needed to resend, default 0.5
}

// Client carries one connection through its lifecycle. It is not
// reusable after the session ends; reconnecting means a fresh Client.
type Client struct {
	opts Options
	log  *log.Logger

	mu      sync.RWMutex
	state   State
	conn    *websocket.Conn
	writeMu sync.Mutex

	playerID string
	name     string
	server   string
	points   []protocol.SpawnPointData
	spawned  bool
	spawnX   float64
	spawnY   float64
	spawnZ   float64

	snapshot protocol.StateData
	remotes  map[string]struct{}

	kickReason string

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options) (*Client, error) {
	if opts.Link == nil {
		return nil, errors.New("client: nil GameLink")
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = "wanderer"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.SendRateHz <= 0 {
		opts.SendRateHz = 20
	}
	if opts.SendEpsilon <= 0 {
		opts.SendEpsilon = 0.5
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		opts:    opts,
		log:     logger,
		state:   Disconnected,
		remotes: map[string]struct{}{},
		stop:    make(chan struct{}),
	}, nil
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// PlayerID is the server-assigned id, empty before Connect succeeds.
func (c *Client) PlayerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

func (c *Client) ServerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// SpawnPoints returns the catalogue received during the handshake.
func (c *Client) SpawnPoints() []protocol.SpawnPointData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.SpawnPointData, len(c.points))
	copy(out, c.points)
	return out
}

// Snapshot returns the last state broadcast received. Callers must
// treat the contained slices as read-only.
func (c *Client) Snapshot() protocol.StateData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// SpawnPosition is where the server placed the player, valid once
// SelectSpawn has succeeded. The game should put the local player here.
func (c *Client) SpawnPosition() (x, y, z float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.spawnX, c.spawnY, c.spawnZ
}

// KickReason is non-empty once the server has kicked this client.
func (c *Client) KickReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kickReason
}

// Done is closed when the session ends, whether by Disconnect, kick,
// or transport failure.
func (c *Client) Done() <-chan struct{} { return c.stop }

// Connect dials url, sends join with the configured name, and waits
// for the welcome and spawn catalogue. On success the client holds its
// server-assigned player id and is ready for SelectSpawn.
func (c *Client) Connect(url string) error {
	select {
	case <-c.stop:
		return errors.New("client already closed")
	default:
	}
	c.mu.Lock()
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect while %v", st)
	}
	c.state = Connecting
	c.mu.Unlock()

	d := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := d.Dial(url, http.Header{})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("dial %s: %w", url, err)
	}

	join, err := protocol.EncodeJoin(c.opts.Name)
	if err == nil {
		err = c.write(conn, join)
	}
	if err != nil {
		c.failConnect(conn)
		return fmt.Errorf("send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = AwaitingHandshake
	c.mu.Unlock()

	env, err := readEnvelope(conn, c.opts.HandshakeTimeout)
	if err != nil {
		c.failConnect(conn)
		return fmt.Errorf("read welcome: %w", err)
	}
	if env.Type == protocol.TypeError {
		var e protocol.ErrorData
		_ = json.Unmarshal(env.Data, &e)
		c.failConnect(conn)
		return fmt.Errorf("join rejected: %s (%s)", e.Message, e.Code)
	}
	if env.Type != protocol.TypeWelcome {
		c.failConnect(conn)
		return fmt.Errorf("handshake frame %q, want %q", env.Type, protocol.TypeWelcome)
	}
	var w protocol.WelcomeData
	if err := json.Unmarshal(env.Data, &w); err != nil {
		c.failConnect(conn)
		return fmt.Errorf("decode welcome: %w", err)
	}

	env, err = readEnvelope(conn, c.opts.HandshakeTimeout)
	if err != nil {
		c.failConnect(conn)
		return fmt.Errorf("read spawn catalogue: %w", err)
	}
	if env.Type != protocol.TypeSpawnPoints {
		c.failConnect(conn)
		return fmt.Errorf("handshake frame %q, want %q", env.Type, protocol.TypeSpawnPoints)
	}
	var pts []protocol.SpawnPointData
	if err := json.Unmarshal(env.Data, &pts); err != nil {
		c.failConnect(conn)
		return fmt.Errorf("decode spawn catalogue: %w", err)
	}

	c.mu.Lock()
	c.playerID = w.PlayerID
	c.name = w.Name
	c.server = w.Server
	c.points = pts
	c.state = SelectingSpawn
	c.mu.Unlock()
	c.log.Printf("connected to %q as %s (%s), %d spawn points", w.Server, w.Name, w.PlayerID, len(pts))
	return nil
}

// SelectSpawn resolves choice against the received catalogue and asks
// the server to place the player there. Blank picks the default point,
// a number picks the 1-based catalogue entry, anything else is sent as
// a spawn point id. State broadcasts that arrive while waiting for the
// confirmation are discarded.
func (c *Client) SelectSpawn(choice string) error {
	c.mu.RLock()
	conn, st, pts, pid := c.conn, c.state, c.points, c.playerID
	c.mu.RUnlock()
	if st != SelectingSpawn || conn == nil {
		return fmt.Errorf("select spawn while %v", st)
	}

	id, err := resolveChoice(choice, pts)
	if err != nil {
		return err
	}
	raw, err := protocol.Encode(protocol.TypeSpawn, pid, protocol.SpawnData{SpawnPointID: id})
	if err != nil {
		return err
	}
	if err := c.write(conn, raw); err != nil {
		return fmt.Errorf("send spawn: %w", err)
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New("timed out waiting for spawn confirmation")
		}
		env, err := readEnvelope(conn, remaining)
		if err != nil {
			return fmt.Errorf("read spawn confirmation: %w", err)
		}
		switch env.Type {
		case protocol.TypeSpawned:
			var sp protocol.SpawnedData
			if err := json.Unmarshal(env.Data, &sp); err != nil {
				return fmt.Errorf("decode spawned: %w", err)
			}
			c.mu.Lock()
			c.spawned = true
			c.spawnX, c.spawnY, c.spawnZ = sp.X, sp.Y, sp.Z
			c.mu.Unlock()
			c.log.Printf("spawned at %s (%.0f, %.0f)", sp.SpawnPoint, sp.X, sp.Z)
			return nil
		case protocol.TypeError:
			var e protocol.ErrorData
			_ = json.Unmarshal(env.Data, &e)
			return fmt.Errorf("spawn rejected: %s (%s)", e.Message, e.Code)
		case protocol.TypeKick:
			reason, _ := protocol.DecodeString(env.Data)
			c.mu.Lock()
			c.kickReason = reason
			c.mu.Unlock()
			c.endSession("kicked: " + reason)
			return fmt.Errorf("kicked: %s", reason)
		default:
			// state or anything newer; the broadcast loop does not
			// pause for handshakes.
		}
	}
}

// StartSync launches the send and receive loops. It returns once both
// are running; they stop on Disconnect, kick, or transport failure.
func (c *Client) StartSync() error {
	c.mu.Lock()
	if c.state != SelectingSpawn || !c.spawned || c.conn == nil {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("start sync before spawning (state %v)", st)
	}
	c.state = Syncing
	conn := c.conn
	c.mu.Unlock()

	c.wg.Add(2)
	go c.sendLoop(conn)
	go c.receiveLoop(conn)
	return nil
}

// Chat sends a chat line; the server folds it into the event stream.
func (c *Client) Chat(msg string) error {
	c.mu.RLock()
	conn, st, pid := c.conn, c.state, c.playerID
	c.mu.RUnlock()
	if conn == nil || (st != SelectingSpawn && st != Syncing) {
		return errors.New("not connected")
	}
	raw, err := protocol.Encode(protocol.TypeChat, pid, msg)
	if err != nil {
		return err
	}
	return c.write(conn, raw)
}

// Disconnect ends the session and waits for both loops to stop. Safe
// to call at any time, repeatedly.
func (c *Client) Disconnect() {
	c.endSession("disconnect requested")
	c.wg.Wait()
}

// sendLoop samples the local player and reports movement. A sample is
// skipped while the player has moved less than SendEpsilon in the
// horizontal plane since the last report; that only trims bandwidth,
// the server never depends on a fixed cadence.
func (c *Client) sendLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(c.opts.SendRateHz))
	defer ticker.Stop()

	var lastX, lastZ float64
	sentAny := false
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		x, y, z, health, ok := c.opts.Link.LocalState()
		if !ok {
			continue
		}
		if sentAny && math.Hypot(x-lastX, z-lastZ) <= c.opts.SendEpsilon {
			continue
		}
		raw, err := protocol.Encode(protocol.TypeUpdate, c.PlayerID(), protocol.UpdateData{X: x, Y: y, Z: z, Health: health})
		if err != nil {
			continue
		}
		if err := c.write(conn, raw); err != nil {
			c.endSession("send update: " + err.Error())
			return
		}
		lastX, lastZ = x, z
		sentAny = true
	}
}

// receiveLoop consumes server frames until the session ends. All
// GameLink reconciliation happens on this goroutine.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.dropRemotes()
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.endSession("connection lost: " + err.Error())
			return
		}
		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			c.log.Printf("drop unparseable frame: %v", err)
			continue
		}
		switch env.Type {
		case protocol.TypeState:
			var st protocol.StateData
			if err := json.Unmarshal(env.Data, &st); err != nil {
				c.log.Printf("drop bad state frame: %v", err)
				continue
			}
			c.applyState(st)
		case protocol.TypeKick:
			reason, _ := protocol.DecodeString(env.Data)
			c.mu.Lock()
			c.kickReason = reason
			c.mu.Unlock()
			c.endSession("kicked: " + reason)
			return
		case protocol.TypeError:
			var e protocol.ErrorData
			_ = json.Unmarshal(env.Data, &e)
			c.log.Printf("server error: %s (%s)", e.Message, e.Code)
		}
	}
}

// applyState caches the snapshot and mirrors every other player into
// the local game, then drops the ones that vanished.
func (c *Client) applyState(st protocol.StateData) {
	type change struct {
		p     protocol.PlayerData
		known bool
	}
	c.mu.Lock()
	c.snapshot = st
	self := c.playerID
	changes := make([]change, 0, len(st.Players))
	seen := make(map[string]struct{}, len(st.Players))
	for _, p := range st.Players {
		if p.ID == self {
			continue
		}
		seen[p.ID] = struct{}{}
		_, known := c.remotes[p.ID]
		if !known {
			c.remotes[p.ID] = struct{}{}
		}
		changes = append(changes, change{p: p, known: known})
	}
	var gone []string
	for id := range c.remotes {
		if _, ok := seen[id]; !ok {
			delete(c.remotes, id)
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		if ch.known {
			c.opts.Link.UpdateRemote(ch.p.ID, ch.p.X, ch.p.Y, ch.p.Z, ch.p.Health)
		} else {
			c.opts.Link.SpawnRemote(ch.p.ID, ch.p.Name, ch.p.X, ch.p.Y, ch.p.Z)
		}
	}
	for _, id := range gone {
		c.opts.Link.RemoveRemote(id)
	}
}

// dropRemotes clears every mirrored player out of the local game so a
// dead session leaves no ghosts behind.
func (c *Client) dropRemotes() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.remotes))
	for id := range c.remotes {
		ids = append(ids, id)
	}
	c.remotes = map[string]struct{}{}
	c.mu.Unlock()
	for _, id := range ids {
		c.opts.Link.RemoveRemote(id)
	}
}

// endSession tears the transport down exactly once. Whichever side
// notices the end first wins; the loops unwind on the closed channel
// and the failing reads.
func (c *Client) endSession(reason string) {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = Disconnected
		c.spawned = false
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		c.log.Printf("session closed: %s", reason)
	})
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Client) failConnect(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func readEnvelope(conn *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.DecodeEnvelope(msg)
}

// resolveChoice turns operator input into a spawn point id. Unknown
// ids pass through untouched; the server falls back to its default.
func resolveChoice(choice string, pts []protocol.SpawnPointData) (string, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		for _, p := range pts {
			if p.IsDefault {
				return p.ID, nil
			}
		}
		if len(pts) > 0 {
			return pts[0].ID, nil
		}
		return "", errors.New("no spawn points offered")
	}
	if n, err := strconv.Atoi(choice); err == nil {
		if n < 1 || n > len(pts) {
			return "", fmt.Errorf("spawn choice %d out of range 1..%d", n, len(pts))
		}
		return pts[n-1].ID, nil
	}
	return choice, nil
}
