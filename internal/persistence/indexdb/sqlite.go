// Package indexdb keeps a queryable sqlite index of sessions, audit
// entries, and anti-cheat rejections. It is a secondary index over the
// JSONL audit trail: writes are asynchronous and dropped when the
// writer falls behind, never blocking the game loops.
package indexdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"overland.gg/internal/server"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan server.AuditEntry
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

func Open(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan server.AuditEntry, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only write pattern; NORMAL synchronous is
	// enough for a rebuildable secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			player_id TEXT NOT NULL,
			name TEXT NOT NULL,
			remote_addr TEXT,
			joined_at TEXT NOT NULL,
			left_at TEXT,
			leave_reason TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_player ON sessions(player_id);`,
		`CREATE TABLE IF NOT EXISTS audits (
			seq INTEGER PRIMARY KEY,
			ts TEXT NOT NULL,
			tick INTEGER NOT NULL,
			kind TEXT NOT NULL,
			session_id TEXT,
			player_id TEXT,
			name TEXT,
			message TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_kind_ts ON audits(kind, ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_player_ts ON audits(player_id, ts);`,
		`CREATE TABLE IF NOT EXISTS rejections (
			seq INTEGER PRIMARY KEY,
			ts TEXT NOT NULL,
			tick INTEGER NOT NULL,
			player_id TEXT NOT NULL,
			name TEXT,
			distance REAL NOT NULL,
			limit_units REAL NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rejections_player_ts ON rejections(player_id, ts);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteAudit queues an entry for indexing. When the queue is full the
// entry is dropped and counted; the JSONL trail remains the source of
// truth. Safe on a nil or closed index.
func (s *SQLiteIndex) WriteAudit(e server.AuditEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many entries were discarded because the writer
// fell behind.
func (s *SQLiteIndex) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *SQLiteIndex) loop() {
	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(ts,tick,kind,session_id,player_id,name,message,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT OR REPLACE INTO sessions(session_id,player_id,name,remote_addr,joined_at) VALUES(?,?,?,?,?)`)
	closeSession, _ := s.db.Prepare(`UPDATE sessions SET left_at=?, leave_reason=? WHERE session_id=? AND left_at IS NULL`)
	insertRejection, _ := s.db.Prepare(`INSERT INTO rejections(ts,tick,player_id,name,distance,limit_units) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertSession, closeSession, insertRejection} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.Begin()
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for e := range s.ch {
		begin()
		if tx == nil {
			continue
		}

		ts := e.Time.UTC().Format(time.RFC3339Nano)
		raw, _ := json.Marshal(e)
		if insertAudit != nil {
			if _, err := tx.Stmt(insertAudit).Exec(ts, int64(e.Tick), e.Kind, e.SessionID, e.PlayerID, e.Name, e.Message, string(raw)); err != nil {
				rollback()
				continue
			}
			opCount++
		}

		switch e.Kind {
		case server.AuditJoin:
			if insertSession != nil {
				if _, err := tx.Stmt(insertSession).Exec(e.SessionID, e.PlayerID, e.Name, e.Message, ts); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case server.AuditLeave, server.AuditKick:
			if closeSession != nil {
				if _, err := tx.Stmt(closeSession).Exec(ts, e.Message, e.SessionID); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		case server.AuditRejectUpdate:
			if insertRejection != nil {
				if _, err := tx.Stmt(insertRejection).Exec(ts, int64(e.Tick), e.PlayerID, e.Name, e.Distance, e.Limit); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}

		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
