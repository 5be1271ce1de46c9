// Package server owns the authoritative side of the sync protocol:
// admission, spawn placement, update validation, snapshot broadcast,
// and the operator console. Transports hand it decoded frames; it never
// touches websockets directly.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"overland.gg/internal/protocol"
	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
)

const maxChatLen = 256

type Config struct {
	Name            string
	MaxPlayers      int
	TickRateHz      int
	BroadcastRateHz int
	MaxMoveDistance float64
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "Overland"
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = 16
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.BroadcastRateHz <= 0 {
		c.BroadcastRateHz = 20
	}
	if c.MaxMoveDistance <= 0 {
		c.MaxMoveDistance = 50
	}
}

// SaveStore persists and restores the world (the /save and /load
// console surface plus the shutdown save).
type SaveStore interface {
	Save(world.Save) (string, error)
	Load() (world.Save, error)
}

type Server struct {
	cfg    Config
	log    *log.Logger
	world  *world.State
	spawns *spawn.Registry
	conns  *Registry

	nextPlayerID atomic.Uint64

	auditLogger AuditLogger
	store       SaveStore

	rejectedUpdates atomic.Uint64
	broadcastsSent  atomic.Uint64

	startedAt time.Time
}

func New(cfg Config, logger *log.Logger, w *world.State, spawns *spawn.Registry) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		cfg:       cfg,
		log:       logger,
		world:     w,
		spawns:    spawns,
		conns:     NewRegistry(),
		startedAt: time.Now(),
	}
}

func (s *Server) SetAuditLogger(a AuditLogger) { s.auditLogger = a }
func (s *Server) SetSaveStore(st SaveStore)    { s.store = st }

// Connections exposes the registry to transports and the console.
func (s *Server) Connections() *Registry { return s.conns }

// Join admits conn as a new player. The transport calls it with the
// first decoded envelope of the connection; replies (welcome and
// spawnpoints, or a single error frame) go out through conn. A non-nil
// error means the connection must be closed without being registered.
func (s *Server) Join(conn ClientConn, env protocol.Envelope) (string, error) {
	if env.Type != protocol.TypeJoin {
		s.sendError(conn, "", protocol.ErrBadRequest, "first message must be join")
		return "", fmt.Errorf("first message type %q, want %q", env.Type, protocol.TypeJoin)
	}
	if env.Version != protocol.Version {
		s.sendError(conn, "", protocol.ErrBadVersion,
			fmt.Sprintf("client speaks %q, server speaks %q", env.Version, protocol.Version))
		return "", fmt.Errorf("protocol version mismatch: client %q, server %q", env.Version, protocol.Version)
	}
	name, err := protocol.DecodeString(env.Data)
	if err != nil {
		s.sendError(conn, "", protocol.ErrBadRequest, "join payload must be a display name")
		return "", fmt.Errorf("decode join name: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "wanderer"
	}

	playerID := fmt.Sprintf("player-%d", s.nextPlayerID.Add(1))
	ok := s.conns.TryAdd(ConnectionRecord{
		SessionID: conn.SessionID(),
		PlayerID:  playerID,
		Name:      name,
		JoinedAt:  time.Now(),
		Conn:      conn,
	}, s.cfg.MaxPlayers)
	if !ok {
		s.sendError(conn, "", protocol.ErrServerFull,
			fmt.Sprintf("server is full (%d/%d players)", s.cfg.MaxPlayers, s.cfg.MaxPlayers))
		return "", fmt.Errorf("server full (%d players)", s.cfg.MaxPlayers)
	}

	s.world.AddPlayer(playerID, name, 0, 0)

	welcome, err := protocol.Encode(protocol.TypeWelcome, playerID, protocol.WelcomeData{
		PlayerID: playerID,
		Name:     name,
		Server:   s.cfg.Name,
	})
	if err != nil {
		s.Leave(playerID, "internal error")
		return "", fmt.Errorf("encode welcome: %w", err)
	}
	points, err := protocol.Encode(protocol.TypeSpawnPoints, playerID, spawnPointList(s.spawns.All()))
	if err != nil {
		s.Leave(playerID, "internal error")
		return "", fmt.Errorf("encode spawnpoints: %w", err)
	}
	if err := conn.Send(welcome); err != nil {
		s.Leave(playerID, "send failure")
		return "", fmt.Errorf("send welcome: %w", err)
	}
	_ = conn.Send(points)

	s.log.Printf("join: %s (%q) from %s, players %d/%d",
		playerID, name, conn.RemoteAddr(), s.conns.Len(), s.cfg.MaxPlayers)
	s.writeAudit(AuditEntry{Kind: AuditJoin, SessionID: conn.SessionID(), PlayerID: playerID, Name: name, Message: conn.RemoteAddr()})
	return playerID, nil
}

// HandleMessage routes one framed message from a joined client.
// Malformed or out-of-place input is logged and dropped; client input
// never tears the server down.
func (s *Server) HandleMessage(playerID string, raw []byte) {
	rec, ok := s.conns.Get(playerID)
	if !ok {
		return
	}
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		s.log.Printf("drop %s: malformed message: %v", playerID, err)
		return
	}
	if env.PlayerID != "" && env.PlayerID != playerID {
		s.log.Printf("drop %s: envelope claims to be %s", playerID, env.PlayerID)
		return
	}

	switch env.Type {
	case protocol.TypeSpawn:
		s.handleSpawn(rec, env)
	case protocol.TypeUpdate:
		s.handleUpdate(rec, env)
	case protocol.TypeAction:
		s.handleAction(rec, env)
	case protocol.TypeChat:
		s.handleChat(rec, env)
	case protocol.TypeJoin:
		s.sendError(rec.Conn, playerID, protocol.ErrBadState, "already joined")
	default:
		s.sendError(rec.Conn, playerID, protocol.ErrBadRequest, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

// handleSpawn places the player at the requested point, falling back to
// the default for unknown or omitted ids. Re-spawning later is allowed
// and simply moves the live player.
func (s *Server) handleSpawn(rec ConnectionRecord, env protocol.Envelope) {
	var req protocol.SpawnData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			s.sendError(rec.Conn, rec.PlayerID, protocol.ErrBadRequest, "bad spawn payload")
			return
		}
	}

	point, ok := s.spawns.GetByID(req.SpawnPointID)
	if !ok {
		if req.SpawnPointID != "" {
			s.log.Printf("spawn: %s requested unknown point %q, using default", rec.PlayerID, req.SpawnPointID)
		}
		point, ok = s.spawns.Default()
	}
	if !ok {
		s.sendError(rec.Conn, rec.PlayerID, protocol.ErrNoSpawnPoints, "no spawn points configured")
		return
	}

	s.world.SetPosition(rec.PlayerID, point.X, 0, point.Z)
	s.world.MarkSpawned(rec.PlayerID, point.ID)

	frame, err := protocol.Encode(protocol.TypeSpawned, rec.PlayerID, protocol.SpawnedData{
		SpawnPoint: point.ID,
		X:          point.X,
		Y:          0,
		Z:          point.Z,
		Region:     point.Region,
	})
	if err != nil {
		s.log.Printf("encode spawned: %v", err)
		return
	}
	if err := rec.Conn.Send(frame); err != nil {
		s.log.Printf("send spawned to %s: %v", rec.PlayerID, err)
	}
	s.log.Printf("spawn: %s (%q) at %s (%.0f, %.0f)", rec.PlayerID, rec.Name, point.ID, point.X, point.Z)
	s.writeAudit(AuditEntry{Kind: AuditSpawn, SessionID: rec.SessionID, PlayerID: rec.PlayerID, Name: rec.Name, Message: point.ID})
}

// handleUpdate applies a client position report after the plausibility
// check. Implausible reports are dropped without a reply so the server
// position stays authoritative.
func (s *Server) handleUpdate(rec ConnectionRecord, env protocol.Envelope) {
	var req protocol.UpdateData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		s.log.Printf("drop %s: bad update payload: %v", rec.PlayerID, err)
		return
	}
	p, ok := s.world.Player(rec.PlayerID)
	if !ok || !p.Spawned {
		s.log.Printf("drop %s: update before spawn", rec.PlayerID)
		return
	}
	if dist := planarDistance(p.X, p.Z, req.X, req.Z); dist > s.cfg.MaxMoveDistance {
		s.rejectedUpdates.Add(1)
		s.log.Printf("reject %s (%q): moved %.1f units in one update, limit %.1f",
			rec.PlayerID, rec.Name, dist, s.cfg.MaxMoveDistance)
		s.writeAudit(AuditEntry{
			Kind: AuditRejectUpdate, SessionID: rec.SessionID, PlayerID: rec.PlayerID,
			Name: rec.Name, Distance: dist, Limit: s.cfg.MaxMoveDistance,
		})
		return
	}
	health := min(max(req.Health, 0), p.MaxHealth)
	s.world.UpdatePlayer(rec.PlayerID, req.X, req.Y, req.Z, health)
}

// planarDistance is the anti-cheat metric: horizontal displacement
// only, so falling or climbing never trips the filter.
func planarDistance(x0, z0, x1, z1 float64) float64 {
	return math.Hypot(x1-x0, z1-z0)
}

func (s *Server) handleChat(rec ConnectionRecord, env protocol.Envelope) {
	msg, err := protocol.DecodeString(env.Data)
	if err != nil {
		s.sendError(rec.Conn, rec.PlayerID, protocol.ErrBadRequest, "chat payload must be a string")
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	if len(msg) > maxChatLen {
		msg = strings.ToValidUTF8(msg[:maxChatLen], "")
	}
	s.world.AppendEvent(world.EventChat, rec.PlayerID, rec.Name, msg)
	s.writeAudit(AuditEntry{Kind: AuditChat, SessionID: rec.SessionID, PlayerID: rec.PlayerID, Name: rec.Name, Message: msg})
}

// Actions are accepted and recorded, not simulated. Combat and object
// interactions stay inside the game processes.
func (s *Server) handleAction(rec ConnectionRecord, env protocol.Envelope) {
	action, err := protocol.DecodeString(env.Data)
	if err != nil {
		action = string(env.Data)
	}
	s.log.Printf("action: %s (%q): %s", rec.PlayerID, rec.Name, action)
	s.writeAudit(AuditEntry{Kind: AuditAction, SessionID: rec.SessionID, PlayerID: rec.PlayerID, Name: rec.Name, Message: action})
}

// Leave tears a player down. Only the first call for a given player
// removes state and records a leave event; later calls are no-ops.
func (s *Server) Leave(playerID, reason string) {
	rec, ok := s.conns.Remove(playerID)
	if !ok {
		return
	}
	s.world.RemovePlayer(playerID)
	s.log.Printf("leave: %s (%q): %s, players %d/%d", playerID, rec.Name, reason, s.conns.Len(), s.cfg.MaxPlayers)
	s.writeAudit(AuditEntry{Kind: AuditLeave, SessionID: rec.SessionID, PlayerID: playerID, Name: rec.Name, Message: reason})
}

// Kick notifies the player, closes the transport, and removes them.
func (s *Server) Kick(playerID, reason string) bool {
	rec, ok := s.conns.Get(playerID)
	if !ok {
		return false
	}
	if frame, err := protocol.Encode(protocol.TypeKick, playerID, reason); err == nil {
		_ = rec.Conn.Send(frame)
	}
	s.world.AppendEvent(world.EventSystem, playerID, rec.Name, fmt.Sprintf("%s was kicked (%s)", rec.Name, reason))
	s.writeAudit(AuditEntry{Kind: AuditKick, SessionID: rec.SessionID, PlayerID: playerID, Name: rec.Name, Message: reason})
	rec.Conn.Close("kicked: " + reason)
	s.Leave(playerID, "kicked: "+reason)
	return true
}

// RunTicks drives the world clock until ctx is done. It runs with zero
// clients connected; the clock is not gated on population.
func (s *Server) RunTicks(ctx context.Context) {
	t := time.NewTicker(time.Second / time.Duration(s.cfg.TickRateHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.world.Tick()
			s.world.TrimEvents()
		}
	}
}

// RunBroadcast ships snapshots at the broadcast rate until ctx is done.
func (s *Server) RunBroadcast(ctx context.Context) {
	t := time.NewTicker(time.Second / time.Duration(s.cfg.BroadcastRateHz))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.BroadcastState()
		}
	}
}

// BroadcastState sends the current snapshot to every joined client. The
// frame is marshalled once and fanned out; a failed send disconnects
// that client only and never stalls the loop.
func (s *Server) BroadcastState() {
	recs := s.conns.List()
	if len(recs) == 0 {
		return
	}
	frame, err := protocol.Encode(protocol.TypeState, "", stateData(s.world.Snapshot()))
	if err != nil {
		s.log.Printf("marshal state: %v", err)
		return
	}
	for _, rec := range recs {
		if err := rec.Conn.Send(frame); err != nil {
			s.log.Printf("broadcast to %s: %v, disconnecting", rec.PlayerID, err)
			rec.Conn.Close("send buffer overflow")
			s.Leave(rec.PlayerID, "send failure")
		}
	}
	s.broadcastsSent.Add(1)
}

// Shutdown kicks every connection with the given reason. Loop contexts
// and the world save are the caller's responsibility.
func (s *Server) Shutdown(reason string) {
	for _, rec := range s.conns.List() {
		if frame, err := protocol.Encode(protocol.TypeKick, rec.PlayerID, reason); err == nil {
			_ = rec.Conn.Send(frame)
		}
		rec.Conn.Close(reason)
		s.Leave(rec.PlayerID, reason)
	}
}

// RestoreWorld replaces the live world and advances the player id
// counter past restored ids so new joins cannot collide with them.
func (s *Server) RestoreWorld(sv world.Save) {
	s.world.Restore(sv)
	var maxN uint64
	for _, p := range sv.Players {
		var n uint64
		if _, err := fmt.Sscanf(p.ID, "player-%d", &n); err == nil && n > maxN {
			maxN = n
		}
	}
	for {
		cur := s.nextPlayerID.Load()
		if maxN <= cur || s.nextPlayerID.CompareAndSwap(cur, maxN) {
			return
		}
	}
}

// Metrics is a point-in-time operational summary for the console and
// the HTTP metrics endpoint.
type Metrics struct {
	Uptime          time.Duration
	Tick            uint64
	Connected       int
	MaxPlayers      int
	World           world.Counts
	RejectedUpdates uint64
	Broadcasts      uint64
}

func (s *Server) Metrics() Metrics {
	return Metrics{
		Uptime:          time.Since(s.startedAt),
		Tick:            s.world.CurrentTick(),
		Connected:       s.conns.Len(),
		MaxPlayers:      s.cfg.MaxPlayers,
		World:           s.world.Counts(),
		RejectedUpdates: s.rejectedUpdates.Load(),
		Broadcasts:      s.broadcastsSent.Load(),
	}
}

func (s *Server) sendError(conn ClientConn, playerID, code, msg string) {
	frame, err := protocol.Encode(protocol.TypeError, playerID, protocol.ErrorData{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = conn.Send(frame)
}
