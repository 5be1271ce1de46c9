package world

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types recorded in the world event ring.
const (
	EventPlayerJoin  = "player_join"
	EventPlayerLeave = "player_leave"
	EventChat        = "chat"
	EventBroadcast   = "broadcast"
	EventSystem      = "system"
)

const DefaultMaxHealth = 100

type Player struct {
	ID         string
	Name       string
	X, Y, Z    float64
	Health     float64
	MaxHealth  float64
	Spawned    bool
	SpawnPoint string
	UpdatedAt  time.Time
}

// NPC and Item records are replicated, not simulated: external game-state
// producers upsert them and the server only snapshots them out.
type NPC struct {
	ID      string
	Name    string
	X, Y, Z float64
	Health  float64
	Faction string
}

type Item struct {
	ID      string
	Type    string
	OwnerID string
	X, Y, Z float64
}

type Event struct {
	ID       string
	Type     string
	PlayerID string
	Name     string
	Message  string
	Time     time.Time
}

type Counts struct {
	Players int
	NPCs    int
	Items   int
	Events  int
}

type Config struct {
	EventCap       int // retained events
	SnapshotEvents int // events included per snapshot
	SnapshotNPCs   int // NPC entries included per snapshot
}

func (c *Config) applyDefaults() {
	if c.EventCap <= 0 {
		c.EventCap = 100
	}
	if c.SnapshotEvents <= 0 {
		c.SnapshotEvents = 10
	}
	if c.SnapshotNPCs <= 0 {
		c.SnapshotNPCs = 50
	}
}

// State is the authoritative world model. All collections are guarded
// inside this type; callers never coordinate. One lock covers the
// collections, the event ring, and the tick counter so a snapshot
// observes a single consistent instant.
type State struct {
	cfg Config

	mu      sync.RWMutex
	tick    uint64
	players map[string]*Player
	npcs    map[string]*NPC
	items   map[string]*Item
	events  []Event

	now func() time.Time
}

func New(cfg Config) *State {
	cfg.applyDefaults()
	return &State{
		cfg:     cfg,
		players: make(map[string]*Player),
		npcs:    make(map[string]*NPC),
		items:   make(map[string]*Item),
		now:     time.Now,
	}
}

func newEventID() string { return ulid.Make().String() }

// AddPlayer registers a not-yet-spawned player at (x, 0, z) and records
// a player_join event. Returns a copy of the stored record.
func (s *State) AddPlayer(id, name string, x, z float64) Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Player{
		ID:        id,
		Name:      name,
		X:         x,
		Z:         z,
		Health:    DefaultMaxHealth,
		MaxHealth: DefaultMaxHealth,
		UpdatedAt: s.now(),
	}
	s.players[id] = p
	s.appendEventLocked(Event{Type: EventPlayerJoin, PlayerID: id, Name: name, Message: name + " joined the world"})
	return *p
}

// UpdatePlayer overwrites position and health. Unknown ids are a no-op.
func (s *State) UpdatePlayer(id string, x, y, z, health float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return false
	}
	p.X, p.Y, p.Z = x, y, z
	p.Health = health
	p.UpdatedAt = s.now()
	return true
}

// SetPosition moves a player directly (operator teleport); health is
// untouched and no validation applies.
func (s *State) SetPosition(id string, x, y, z float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return false
	}
	p.X, p.Y, p.Z = x, y, z
	p.UpdatedAt = s.now()
	return true
}

// MarkSpawned flags the player as spawned at the named point.
func (s *State) MarkSpawned(id, spawnPoint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return false
	}
	p.Spawned = true
	p.SpawnPoint = spawnPoint
	return true
}

// RemovePlayer deletes the record and records a player_leave event.
// Removing an absent id is a silent no-op: no event is recorded.
func (s *State) RemovePlayer(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[id]
	if !ok {
		return false
	}
	delete(s.players, id)
	s.appendEventLocked(Event{Type: EventPlayerLeave, PlayerID: id, Name: p.Name, Message: p.Name + " left the world"})
	return true
}

// Player returns a copy of the record.
func (s *State) Player(id string) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// FindPlayerByName does a case-insensitive name lookup (operator surface).
func (s *State) FindPlayerByName(name string) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.players {
		if strings.EqualFold(p.Name, name) {
			return *p, true
		}
	}
	return Player{}, false
}

func (s *State) UpsertNPC(n NPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := n
	s.npcs[n.ID] = &cp
}

func (s *State) RemoveNPC(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.npcs[id]; !ok {
		return false
	}
	delete(s.npcs, id)
	return true
}

func (s *State) UpsertItem(it Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := it
	s.items[it.ID] = &cp
}

func (s *State) RemoveItem(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

// AppendEvent records a world event and returns it with id and time set.
func (s *State) AppendEvent(typ, playerID, name, message string) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEventLocked(Event{Type: typ, PlayerID: playerID, Name: name, Message: message})
}

func (s *State) appendEventLocked(e Event) Event {
	e.ID = newEventID()
	e.Time = s.now()
	s.events = append(s.events, e)
	s.trimEventsLocked()
	return e
}

// Tick advances the counter and returns the new value.
func (s *State) Tick() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	return s.tick
}

func (s *State) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tick
}

// TrimEvents evicts the oldest events beyond the retention cap. Appends
// already trim inline; the tick loop calls this as a backstop.
func (s *State) TrimEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trimEventsLocked()
}

func (s *State) trimEventsLocked() {
	if over := len(s.events) - s.cfg.EventCap; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
}

func (s *State) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{
		Players: len(s.players),
		NPCs:    len(s.npcs),
		Items:   len(s.items),
		Events:  len(s.events),
	}
}
