// Package save persists the authoritative world to a single compressed
// file. The format is a one-line JSON header (so a human can inspect a
// save with zstdcat | head -1) followed by a gob-encoded payload.
package save

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"overland.gg/internal/sim/world"
)

const formatVersion = 1

type Header struct {
	Version int       `json:"version"`
	Server  string    `json:"server"`
	Tick    uint64    `json:"tick"`
	SavedAt time.Time `json:"saved_at"`
}

type fileV1 struct {
	Header Header
	World  world.Save
}

func Write(path, serverName string, sv world.Save) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	file := fileV1{
		Header: Header{
			Version: formatVersion,
			Server:  serverName,
			Tick:    sv.Tick,
			SavedAt: time.Now().UTC(),
		},
		World: sv,
	}

	hb, _ := json.Marshal(file.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&file); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func Read(path string) (Header, world.Save, error) {
	var file fileV1
	f, err := os.Open(path)
	if err != nil {
		return file.Header, file.World, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return file.Header, file.World, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Skip the header line; the gob payload carries the header too.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&file); err != nil {
		return file.Header, file.World, fmt.Errorf("gob decode: %w", err)
	}
	if file.Header.Version != formatVersion {
		return file.Header, file.World, fmt.Errorf("unsupported save version %d", file.Header.Version)
	}
	return file.Header, file.World, nil
}

// FileStore reads and writes saves at a fixed path.
type FileStore struct {
	Path       string
	ServerName string
}

func (s *FileStore) Save(sv world.Save) (string, error) {
	if err := Write(s.Path, s.ServerName, sv); err != nil {
		return "", err
	}
	return s.Path, nil
}

func (s *FileStore) Load() (world.Save, error) {
	_, sv, err := Read(s.Path)
	return sv, err
}
