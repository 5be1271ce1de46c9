package server

import (
	"overland.gg/internal/protocol"
	"overland.gg/internal/sim/spawn"
	"overland.gg/internal/sim/world"
)

// stateData projects a world snapshot onto the wire shape. Players that
// have not picked a spawn point yet are not replicated; they exist only
// once they stand somewhere.
func stateData(snap world.Snapshot) protocol.StateData {
	out := protocol.StateData{
		Tick:    snap.Tick,
		Players: make([]protocol.PlayerData, 0, len(snap.Players)),
		NPCs:    make([]protocol.NPCData, 0, len(snap.NPCs)),
		Events:  make([]protocol.EventData, 0, len(snap.Events)),
	}
	for _, p := range snap.Players {
		if !p.Spawned {
			continue
		}
		out.Players = append(out.Players, protocol.PlayerData{
			ID:        p.ID,
			Name:      p.Name,
			X:         p.X,
			Y:         p.Y,
			Z:         p.Z,
			Health:    p.Health,
			MaxHealth: p.MaxHealth,
		})
	}
	for _, n := range snap.NPCs {
		out.NPCs = append(out.NPCs, protocol.NPCData{
			ID:      n.ID,
			Name:    n.Name,
			X:       n.X,
			Y:       n.Y,
			Z:       n.Z,
			Health:  n.Health,
			Faction: n.Faction,
		})
	}
	for _, e := range snap.Events {
		out.Events = append(out.Events, protocol.EventData{
			ID:       e.ID,
			Type:     e.Type,
			PlayerID: e.PlayerID,
			Name:     e.Name,
			Message:  e.Message,
			Time:     e.Time.UnixMilli(),
		})
	}
	return out
}

func spawnPointList(points []spawn.Point) []protocol.SpawnPointData {
	out := make([]protocol.SpawnPointData, 0, len(points))
	for _, p := range points {
		out = append(out, protocol.SpawnPointData{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Region:      p.Region,
			X:           p.X,
			Z:           p.Z,
			IsDefault:   p.IsDefault,
		})
	}
	return out
}
