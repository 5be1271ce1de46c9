// Package log holds the durable audit trail: hourly-rotated,
// zstd-compressed JSONL an operator can replay with zstdcat.
package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"overland.gg/internal/server"
)

const trailBufSize = 128 * 1024

// AuditLogger persists every audit entry the server emits (joins,
// leaves, kicks, rejected updates, admin commands) as one JSON line per
// entry under <dataDir>/audit. Files rotate hourly and restart-append
// safely: a reopened hour adds a second zstd frame that decoders read
// straight through. Safe for concurrent use.
type AuditLogger struct {
	dir string

	mu   sync.Mutex
	hour string
	file *os.File
	zw   *zstd.Encoder
	buf  *bufio.Writer
}

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{dir: filepath.Join(dataDir, "audit")}
}

func (l *AuditLogger) WriteAudit(e server.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureHourLocked(time.Now().UTC().Format("2006-01-02-15")); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := l.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	return l.buf.Flush()
}

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.teardownLocked()
}

// ensureHourLocked opens the file for hour, closing out the previous
// one first. The current hour's writer stays open between entries.
func (l *AuditLogger) ensureHourLocked(hour string) error {
	if hour == l.hour && l.buf != nil {
		return nil
	}
	if err := l.teardownLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit-%s.jsonl.zst", hour))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	l.file, l.zw, l.buf, l.hour = f, zw, bufio.NewWriterSize(zw, trailBufSize), hour
	return nil
}

// teardownLocked finishes the open zstd frame. The encoder close error
// is the one that matters; a torn frame loses the tail of the trail.
func (l *AuditLogger) teardownLocked() error {
	var encErr error
	if l.buf != nil {
		_ = l.buf.Flush()
	}
	if l.zw != nil {
		encErr = l.zw.Close()
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file, l.zw, l.buf, l.hour = nil, nil, nil, ""
	return encErr
}
