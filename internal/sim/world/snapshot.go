package world

import "sort"

// Snapshot is a point-in-time projection of the world. Every field is an
// independent copy; mutating the live State after the call cannot change
// a snapshot already returned. This is the only shape clients ever see.
type Snapshot struct {
	Tick    uint64
	Players []Player
	NPCs    []NPC
	Events  []Event
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Tick:    s.tick,
		Players: make([]Player, 0, len(s.players)),
	}
	for _, p := range s.players {
		snap.Players = append(snap.Players, *p)
	}
	sort.Slice(snap.Players, func(i, j int) bool { return snap.Players[i].ID < snap.Players[j].ID })

	// NPC list is capped to bound message size.
	limit := s.cfg.SnapshotNPCs
	snap.NPCs = make([]NPC, 0, min(len(s.npcs), limit))
	ids := make([]string, 0, len(s.npcs))
	for id := range s.npcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if len(snap.NPCs) >= limit {
			break
		}
		snap.NPCs = append(snap.NPCs, *s.npcs[id])
	}

	// Most recent events only.
	n := len(s.events)
	keep := s.cfg.SnapshotEvents
	if n < keep {
		keep = n
	}
	snap.Events = make([]Event, keep)
	copy(snap.Events, s.events[n-keep:])

	return snap
}

// Save is the durable form of the world: the full model with no
// snapshot caps. Events are transient and not persisted.
type Save struct {
	Tick    uint64
	Players []Player
	NPCs    []NPC
	Items   []Item
}

func (s *State) Export() Save {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sv := Save{
		Tick:    s.tick,
		Players: make([]Player, 0, len(s.players)),
		NPCs:    make([]NPC, 0, len(s.npcs)),
		Items:   make([]Item, 0, len(s.items)),
	}
	for _, p := range s.players {
		sv.Players = append(sv.Players, *p)
	}
	for _, n := range s.npcs {
		sv.NPCs = append(sv.NPCs, *n)
	}
	for _, it := range s.items {
		sv.Items = append(sv.Items, *it)
	}
	sort.Slice(sv.Players, func(i, j int) bool { return sv.Players[i].ID < sv.Players[j].ID })
	sort.Slice(sv.NPCs, func(i, j int) bool { return sv.NPCs[i].ID < sv.NPCs[j].ID })
	sort.Slice(sv.Items, func(i, j int) bool { return sv.Items[i].ID < sv.Items[j].ID })
	return sv
}

// Restore replaces the model wholesale with a saved state. Connections
// are not resurrected; restored player records persist until removed.
func (s *State) Restore(sv Save) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tick = sv.Tick
	s.players = make(map[string]*Player, len(sv.Players))
	for _, p := range sv.Players {
		cp := p
		s.players[p.ID] = &cp
	}
	s.npcs = make(map[string]*NPC, len(sv.NPCs))
	for _, n := range sv.NPCs {
		cp := n
		s.npcs[n.ID] = &cp
	}
	s.items = make(map[string]*Item, len(sv.Items))
	for _, it := range sv.Items {
		cp := it
		s.items[it.ID] = &cp
	}
}
