package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerName string `yaml:"server_name"`
	Addr       string `yaml:"addr"`

	MaxPlayers      int `yaml:"max_players"`
	TickRateHz      int `yaml:"tick_rate_hz"`
	BroadcastRateHz int `yaml:"broadcast_rate_hz"`

	// Anti-cheat: maximum planar displacement accepted per position update.
	MaxMoveDistance float64 `yaml:"max_move_distance"`

	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`

	// World bounds.
	EventCap       int `yaml:"event_cap"`
	SnapshotEvents int `yaml:"snapshot_events"`
	SnapshotNPCs   int `yaml:"snapshot_npcs"`

	DataDir      string `yaml:"data_dir"`
	SpawnFile    string `yaml:"spawn_file"`
	SaveFile     string `yaml:"save_file"`
	DisableIndex bool   `yaml:"disable_index"`
}

func Defaults() Config {
	return Config{
		ServerName:         "Overland",
		Addr:               ":26500",
		MaxPlayers:         16,
		TickRateHz:         20,
		BroadcastRateHz:    20,
		MaxMoveDistance:    50,
		HandshakeTimeoutMs: 5000,
		EventCap:           100,
		SnapshotEvents:     10,
		SnapshotNPCs:       50,
		DataDir:            "./data",
		SpawnFile:          "spawnpoints.json",
		SaveFile:           "world.save.zst",
	}
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

// Load reads a config file. Fields absent from the file keep their defaults.
func Load(path string) (Config, error) {
	c := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// LoadOrInit loads the config, writing a default file first when none
// exists. The second return reports whether a fresh file was created.
func LoadOrInit(path string) (Config, bool, error) {
	c, err := Load(path)
	if err == nil {
		return c, false, nil
	}
	if !os.IsNotExist(err) {
		return c, false, err
	}
	def := Defaults()
	raw, err := yaml.Marshal(def)
	if err != nil {
		return def, false, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return def, false, err
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return def, false, fmt.Errorf("write default config: %w", err)
	}
	return def, true, nil
}
