package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MapSnapshot is the on-disk form of a grid. Occupied and free cells are
// listed separately for cheap consumers; log_odds carries the full sparse
// map so a reload reconstructs the grid exactly.
type MapSnapshot struct {
	CellSize    float64      `json:"cell_size"`
	Occupied    [][2]int     `json:"occupied"`
	Free        [][2]int     `json:"free"`
	LogOdds     [][3]float64 `json:"log_odds"` // [ix, iz, value]
	Trail       [][2]float64 `json:"trail"`
	Updates     int          `json:"updates"`
	Rejected    int          `json:"rejected"`
	Corrections int          `json:"corrections"`
	RawLog      [][6]float64 `json:"raw_log"` // [x, z, heading, distCm, accepted, poseTs]
}

// Snapshot captures the grid and counters for persistence.
func (m *Mapper) Snapshot() *MapSnapshot {
	cells := m.grid.Snapshot()
	trail := m.grid.Trail()
	stats := m.Stats()
	raw := m.RawLog()

	s := &MapSnapshot{
		CellSize:    CellSize,
		Updates:     stats.Updates,
		Rejected:    stats.Rejected,
		Corrections: stats.Corrections,
	}
	for c, v := range cells {
		s.LogOdds = append(s.LogOdds, [3]float64{float64(c.IX), float64(c.IZ), v})
		switch {
		case v >= OccThresh:
			s.Occupied = append(s.Occupied, [2]int{c.IX, c.IZ})
		case v <= FreeThresh:
			s.Free = append(s.Free, [2]int{c.IX, c.IZ})
		}
	}
	for _, p := range trail {
		s.Trail = append(s.Trail, [2]float64{p.X, p.Z})
	}
	for _, r := range raw {
		accepted := 0.0
		if r.Accepted {
			accepted = 1
		}
		s.RawLog = append(s.RawLog, [6]float64{
			r.X, r.Z, r.Heading, float64(r.DistCm), accepted, float64(r.PoseTs),
		})
	}
	return s
}

// RestoreGrid rebuilds a grid from the snapshot's log-odds list.
func (s *MapSnapshot) RestoreGrid() *Grid {
	g := NewGrid()
	g.mu.Lock()
	for _, e := range s.LogOdds {
		g.cells[Cell{IX: int(e[0]), IZ: int(e[1])}] = e[2]
	}
	for _, p := range s.Trail {
		g.trail = append(g.trail, TrailPoint{X: p[0], Z: p[1]})
	}
	g.mu.Unlock()
	return g
}

// SaveSnapshot writes the current snapshot to a timestamped file under dir
// and returns the path.
func (m *Mapper) SaveSnapshot(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create map directory: %w", err)
	}

	s := m.Snapshot()
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("map_%s.json", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	m.ring.Logf("mapper: snapshot saved to %s (%d cells)", path, len(s.LogOdds))
	return path, nil
}

// LoadSnapshot reads a snapshot file written by SaveSnapshot.
func LoadSnapshot(path string) (*MapSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s MapSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &s, nil
}
