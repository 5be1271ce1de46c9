package spawn

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Point is a named world location players may spawn at. Coordinates are
// planar; spawned players start at ground level.
type Point struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Region      string  `json:"region,omitempty"`
	X           float64 `json:"x"`
	Z           float64 `json:"z"`
	IsDefault   bool    `json:"isDefault,omitempty"`
}

// Registry holds the spawn catalogue. Read-mostly; Add is an operator
// action and also persists the file.
type Registry struct {
	path string

	mu     sync.RWMutex
	points []Point
}

func builtinPoints() []Point {
	return []Point{
		{ID: "crossroads", Name: "The Crossroads", Description: "Caravan waypoint at the old trade junction", Region: "midlands", X: 0, Z: 0, IsDefault: true},
		{ID: "northgate", Name: "Northgate", Description: "Walled outpost below the highland pass", Region: "highlands", X: -420, Z: 910},
		{ID: "saltworks", Name: "The Saltworks", Description: "Dry lakebed mining camp", Region: "flats", X: 760, Z: -185},
		{ID: "outlook", Name: "Ridge Outlook", Description: "Watchtower over the southern dunes", Region: "dunes", X: 210, Z: -640},
	}
}

// New builds a registry over an explicit catalogue. Load is the usual
// entry point; New serves embedders that manage the catalogue themselves.
func New(path string, points ...Point) *Registry {
	return &Registry{path: path, points: points}
}

// Load reads the spawn file at path. A missing or unreadable file falls
// back to the built-in catalogue, which is persisted so operators can
// edit it.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}

	raw, err := os.ReadFile(path)
	if err == nil {
		var pts []Point
		if jerr := json.Unmarshal(raw, &pts); jerr == nil && len(pts) > 0 {
			r.points = pts
			return r, nil
		}
	}

	r.points = builtinPoints()
	if err := r.save(); err != nil {
		return r, fmt.Errorf("persist default spawn points: %w", err)
	}
	return r, nil
}

// GetByID looks a point up case-insensitively.
func (r *Registry) GetByID(id string) (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.points {
		if strings.EqualFold(p.ID, id) {
			return p, true
		}
	}
	return Point{}, false
}

// Default returns the point flagged default, else the first point.
func (r *Registry) Default() (Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.points {
		if p.IsDefault {
			return p, true
		}
	}
	if len(r.points) > 0 {
		return r.points[0], true
	}
	return Point{}, false
}

// All returns a copy of the catalogue in load order.
func (r *Registry) All() []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Point, len(r.points))
	copy(out, r.points)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// Add appends a point and persists the catalogue.
func (r *Registry) Add(p Point) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("spawn point id required")
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = p.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.points {
		if strings.EqualFold(q.ID, p.ID) {
			return fmt.Errorf("spawn point %q already exists", p.ID)
		}
	}
	r.points = append(r.points, p)
	return r.saveLocked()
}

func (r *Registry) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	raw, err := json.MarshalIndent(r.points, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(r.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(r.path, append(raw, '\n'), 0o644)
}
