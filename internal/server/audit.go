package server

import "time"

// Audit kinds written to the audit trail.
const (
	AuditJoin         = "JOIN"
	AuditLeave        = "LEAVE"
	AuditKick         = "KICK"
	AuditSpawn        = "SPAWN"
	AuditRejectUpdate = "REJECT_UPDATE"
	AuditChat         = "CHAT"
	AuditAction       = "ACTION"
	AuditAdmin        = "ADMIN"
)

// AuditEntry is one durable audit record. Distance and Limit are set
// only on REJECT_UPDATE entries.
type AuditEntry struct {
	Time      time.Time `json:"ts"`
	Tick      uint64    `json:"tick"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	PlayerID  string    `json:"player_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Message   string    `json:"message,omitempty"`
	Distance  float64   `json:"distance,omitempty"`
	Limit     float64   `json:"limit,omitempty"`
}

// AuditLogger receives every audit entry. Implementations must be safe
// for concurrent use; write failures are the logger's problem, the
// server never blocks on them.
type AuditLogger interface {
	WriteAudit(AuditEntry) error
}

func (s *Server) writeAudit(e AuditEntry) {
	if s.auditLogger == nil {
		return
	}
	e.Time = time.Now().UTC()
	e.Tick = s.world.CurrentTick()
	_ = s.auditLogger.WriteAudit(e)
}
