package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
)

const helpText = `commands:
  /status                       server summary
  /players                      connected players
  /world                        world counts and recent events
  /spawns                       spawn point catalogue
  /addspawn <id> <name> <x> <z> [region] [description]
  /teleport <player> <x> <z>    move a player (id or name)
  /kick <player> [reason]       disconnect a player
  /broadcast <message>          message every client via the event feed
  /save                         write the world save file
  /load                         restore the world save file
  /quit                         shut the server down`

// HandleCommand executes one operator console line and returns the text
// to print plus whether the server should shut down. It is a pure
// dispatcher over server state so the console is unit-testable without
// stdin.
func (s *Server) HandleCommand(line string) (string, bool) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch cmd {
	case "help":
		return helpText, false
	case "status":
		return s.statusText(), false
	case "players":
		return s.playersText(), false
	case "world":
		return s.worldText(), false
	case "spawns":
		return s.spawnsText(), false
	case "addspawn":
		return s.addSpawnCommand(args), false
	case "teleport":
		return s.teleportCommand(args), false
	case "kick":
		return s.kickCommand(args), false
	case "broadcast":
		_, rest, _ := strings.Cut(line, " ")
		return s.broadcastCommand(rest), false
	case "save":
		return s.saveCommand(), false
	case "load":
		return s.loadCommand(), false
	case "quit", "stop", "exit":
		return "shutting down", true
	default:
		return fmt.Sprintf("unknown command %q (try /help)", fields[0]), false
	}
}

func (s *Server) statusText() string {
	m := s.Metrics()
	return fmt.Sprintf("%s | up %s | tick %d | players %d/%d | npcs %d | items %d | events %d | rejected updates %d",
		s.cfg.Name, m.Uptime.Round(time.Second), m.Tick, m.Connected, m.MaxPlayers,
		m.World.NPCs, m.World.Items, m.World.Events, m.RejectedUpdates)
}

func (s *Server) playersText() string {
	recs := s.conns.List()
	if len(recs) == 0 {
		return "no players connected"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d connected:\n", len(recs))
	for _, rec := range recs {
		p, ok := s.world.Player(rec.PlayerID)
		if !ok {
			fmt.Fprintf(&b, "  %s %q (no world state)\n", rec.PlayerID, rec.Name)
			continue
		}
		place := "waiting to spawn"
		if p.Spawned {
			place = fmt.Sprintf("(%.1f, %.1f, %.1f) via %s", p.X, p.Y, p.Z, p.SpawnPoint)
		}
		fmt.Fprintf(&b, "  %s %q hp %.0f/%.0f %s, addr %s, connected %s\n",
			rec.PlayerID, rec.Name, p.Health, p.MaxHealth, place,
			rec.Conn.RemoteAddr(), time.Since(rec.JoinedAt).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) worldText() string {
	snap := s.world.Snapshot()
	c := s.world.Counts()
	var b strings.Builder
	fmt.Fprintf(&b, "tick %d | players %d | npcs %d | items %d | events retained %d\n",
		snap.Tick, c.Players, c.NPCs, c.Items, c.Events)
	if len(snap.Events) == 0 {
		return b.String() + "no recent events"
	}
	b.WriteString("recent events:\n")
	for _, e := range snap.Events {
		fmt.Fprintf(&b, "  %s [%s] %s\n", e.Time.Format("15:04:05"), e.Type, e.Message)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) spawnsText() string {
	points := s.spawns.All()
	if len(points) == 0 {
		return "no spawn points configured"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d spawn points:\n", len(points))
	for i, p := range points {
		def := ""
		if p.IsDefault {
			def = " (default)"
		}
		fmt.Fprintf(&b, "  %d. %s %q region=%s at (%.0f, %.0f)%s\n", i+1, p.ID, p.Name, p.Region, p.X, p.Z, def)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Server) addSpawnCommand(args []string) string {
	if len(args) < 4 {
		return "usage: /addspawn <id> <name> <x> <z> [region] [description]"
	}
	x, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Sprintf("bad x %q", args[2])
	}
	z, err := strconv.ParseFloat(args[3], 64)
	if err != nil {
		return fmt.Sprintf("bad z %q", args[3])
	}
	p := spawn.Point{ID: args[0], Name: args[1], X: x, Z: z}
	if len(args) > 4 {
		p.Region = args[4]
	}
	if len(args) > 5 {
		p.Description = strings.Join(args[5:], " ")
	}
	if err := s.spawns.Add(p); err != nil {
		return fmt.Sprintf("addspawn: %v", err)
	}
	s.writeAudit(AuditEntry{Kind: AuditAdmin, Message: "addspawn " + p.ID})
	return fmt.Sprintf("added spawn point %s %q at (%.0f, %.0f)", p.ID, p.Name, x, z)
}

// teleportCommand moves a player unconditionally; operator moves are
// exempt from the update plausibility check.
func (s *Server) teleportCommand(args []string) string {
	if len(args) != 3 {
		return "usage: /teleport <player> <x> <z>"
	}
	id, name, ok := s.resolvePlayer(args[0])
	if !ok {
		return fmt.Sprintf("no such player %q", args[0])
	}
	x, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Sprintf("bad x %q", args[1])
	}
	z, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return fmt.Sprintf("bad z %q", args[2])
	}
	if !s.world.SetPosition(id, x, 0, z) {
		return fmt.Sprintf("no world state for %s", id)
	}
	s.world.AppendEvent(world.EventSystem, id, name, fmt.Sprintf("%s was moved to (%.0f, %.0f)", name, x, z))
	s.writeAudit(AuditEntry{Kind: AuditAdmin, PlayerID: id, Name: name, Message: fmt.Sprintf("teleport to (%.0f, %.0f)", x, z)})
	return fmt.Sprintf("teleported %s (%q) to (%.0f, %.0f)", id, name, x, z)
}

func (s *Server) kickCommand(args []string) string {
	if len(args) < 1 {
		return "usage: /kick <player> [reason]"
	}
	id, name, ok := s.resolvePlayer(args[0])
	if !ok {
		return fmt.Sprintf("no such player %q", args[0])
	}
	reason := "kicked by operator"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}
	if !s.Kick(id, reason) {
		return fmt.Sprintf("%s is not connected", id)
	}
	return fmt.Sprintf("kicked %s (%q): %s", id, name, reason)
}

func (s *Server) broadcastCommand(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "usage: /broadcast <message>"
	}
	s.world.AppendEvent(world.EventBroadcast, "", "server", msg)
	s.writeAudit(AuditEntry{Kind: AuditAdmin, Message: "broadcast: " + msg})
	return "broadcast queued"
}

func (s *Server) saveCommand() string {
	if s.store == nil {
		return "no save store configured"
	}
	sv := s.world.Export()
	path, err := s.store.Save(sv)
	if err != nil {
		return fmt.Sprintf("save failed: %v", err)
	}
	s.writeAudit(AuditEntry{Kind: AuditAdmin, Message: "save " + path})
	return fmt.Sprintf("saved world at tick %d to %s", sv.Tick, path)
}

func (s *Server) loadCommand() string {
	if s.store == nil {
		return "no save store configured"
	}
	sv, err := s.store.Load()
	if err != nil {
		return fmt.Sprintf("load failed: %v", err)
	}
	s.RestoreWorld(sv)
	s.writeAudit(AuditEntry{Kind: AuditAdmin, Message: "load"})
	return fmt.Sprintf("loaded world at tick %d (%d players, %d npcs, %d items)",
		sv.Tick, len(sv.Players), len(sv.NPCs), len(sv.Items))
}

// resolvePlayer accepts a player id or display name. Connected players
// win; the world is consulted for restored records with no connection.
func (s *Server) resolvePlayer(key string) (id, name string, ok bool) {
	if rec, ok := s.conns.Get(key); ok {
		return rec.PlayerID, rec.Name, true
	}
	if rec, ok := s.conns.FindByName(key); ok {
		return rec.PlayerID, rec.Name, true
	}
	if p, ok := s.world.Player(key); ok {
		return p.ID, p.Name, true
	}
	if p, ok := s.world.FindPlayerByName(key); ok {
		return p.ID, p.Name, true
	}
	return "", "", false
}
