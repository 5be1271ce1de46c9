package server

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ClientConn is the transport seam between the sync server and one
// connected client. Send must never block on a slow peer: transports
// buffer outbound frames and return an error once the buffer is full.
type ClientConn interface {
	SessionID() string
	RemoteAddr() string
	Send(frame []byte) error
	Close(reason string)
}

// ConnectionRecord ties a live transport to the player it joined as.
type ConnectionRecord struct {
	SessionID string
	PlayerID  string
	Name      string
	JoinedAt  time.Time
	Conn      ClientConn
}

// Registry tracks joined connections, keyed by player id. It owns no
// gameplay state; the world is the authority on players.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*ConnectionRecord
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*ConnectionRecord)}
}

// TryAdd registers rec unless the registry already holds limit records.
// limit <= 0 means unbounded. The check and the insert share one
// critical section so concurrent joins cannot overshoot the cap.
func (r *Registry) TryAdd(rec ConnectionRecord, limit int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > 0 && len(r.conns) >= limit {
		return false
	}
	r.conns[rec.PlayerID] = &rec
	return true
}

func (r *Registry) Get(playerID string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[playerID]
	if !ok {
		return ConnectionRecord{}, false
	}
	return *rec, true
}

// FindByName does a case-insensitive display-name lookup.
func (r *Registry) FindByName(name string) (ConnectionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.conns {
		if strings.EqualFold(rec.Name, name) {
			return *rec, true
		}
	}
	return ConnectionRecord{}, false
}

// Remove deletes and returns the record. The second return reports
// whether anything was removed, which gates leave side effects.
func (r *Registry) Remove(playerID string) (ConnectionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conns[playerID]
	if !ok {
		return ConnectionRecord{}, false
	}
	delete(r.conns, playerID)
	return *rec, true
}

// List returns a copy of all records ordered by player id.
func (r *Registry) List() []ConnectionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionRecord, 0, len(r.conns))
	for _, rec := range r.conns {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
