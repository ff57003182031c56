package mapping

import (
	"math"
	"testing"
)

func TestCellAt(t *testing.T) {
	cases := []struct {
		x, z   float64
		ix, iz int
	}{
		{0, 0, 0, 0},
		{0.05, 0.05, 0, 0},
		{0.10, 0, 1, 0},
		{0.30, 0, 3, 0},
		{-0.05, -0.15, -1, -2},
	}
	for _, c := range cases {
		got := CellAt(c.x, c.z)
		if got.IX != c.ix || got.IZ != c.iz {
			t.Errorf("CellAt(%v, %v) = (%d, %d), want (%d, %d)", c.x, c.z, got.IX, got.IZ, c.ix, c.iz)
		}
	}
}

func TestUpdateSingleHit(t *testing.T) {
	g := NewGrid()

	// Pose at origin, heading 0, 30 cm reading: one occupied cell at
	// (3,0), the cell before it skipped, the rest free evidence.
	if !g.Update(0, 0, 0, 0.30) {
		t.Fatal("update at 0.30 m should be accepted")
	}

	v, ok := g.LogOdds(Cell{3, 0})
	if !ok || v < OccThresh {
		t.Errorf("endpoint cell (3,0) = %v, want >= %v", v, OccThresh)
	}
	if _, ok := g.LogOdds(Cell{2, 0}); ok {
		t.Error("cell (2,0) before the endpoint should remain unknown")
	}

	// Two more identical updates push the traversed cells below the free
	// threshold.
	g.Update(0, 0, 0, 0.30)
	g.Update(0, 0, 0, 0.30)
	for _, c := range []Cell{{0, 0}, {1, 0}} {
		v, ok := g.LogOdds(c)
		if !ok || v > FreeThresh {
			t.Errorf("cell %v = %v after 3 updates, want <= %v", c, v, FreeThresh)
		}
	}
}

func TestUpdateEndpointCellProperty(t *testing.T) {
	// With heading 0 at the origin, the endpoint cell index is
	// floor(r/cellSize) on the X axis for every accepted range.
	for _, r := range []float64{0.10, 0.25, 0.47, 0.80} {
		g := NewGrid()
		if !g.Update(0, 0, 0, r) {
			t.Fatalf("range %v should be accepted", r)
		}
		want := Cell{IX: int(math.Floor(r / CellSize)), IZ: 0}
		if v, ok := g.LogOdds(want); !ok || v < OccThresh {
			t.Errorf("range %v: endpoint cell %v = %v, want occupied", r, want, v)
		}
	}
}

func TestUpdateRangeBoundaries(t *testing.T) {
	cases := []struct {
		dist     float64
		accepted bool
	}{
		{0.09, false},
		{0.10, true},
		{0.80, true},
		{0.81, false},
		{-0.10, false},
	}
	for _, c := range cases {
		g := NewGrid()
		if got := g.Update(0, 0, 0, c.dist); got != c.accepted {
			t.Errorf("Update dist=%v accepted=%v, want %v", c.dist, got, c.accepted)
		}
		if !c.accepted {
			if g.Len() != 0 {
				t.Errorf("rejected update at %v touched the grid", c.dist)
			}
			if hx, _ := g.LastHit(); !math.IsNaN(hx) {
				t.Errorf("rejected update at %v should clear the last hit", c.dist)
			}
		}
	}
}

func TestLogOddsClamp(t *testing.T) {
	g := NewGrid()
	for i := 0; i < 50; i++ {
		g.Update(0, 0, 0, 0.30)
	}
	for c, v := range g.Snapshot() {
		if v > LogOddsMax || v < -LogOddsMax {
			t.Errorf("cell %v = %v outside [%v, %v]", c, v, -LogOddsMax, LogOddsMax)
		}
	}

	// Converged values stay put: more identical updates change nothing.
	before := g.Snapshot()
	g.Update(0, 0, 0, 0.30)
	g.Update(0, 0, 0, 0.30)
	for c, v := range g.Snapshot() {
		if before[c] != v {
			t.Errorf("cell %v moved from %v to %v after convergence", c, before[c], v)
		}
	}
}

func TestWallErosion(t *testing.T) {
	g := NewGrid()

	// Place a wall at (3,0), then drive "through" it with longer
	// readings. Free evidence erodes the stale wall without flapping.
	g.Update(0, 0, 0, 0.30)
	if v, _ := g.LogOdds(Cell{3, 0}); v < OccThresh {
		t.Fatalf("wall cell = %v, want occupied", v)
	}

	for i := 0; i < 6; i++ {
		g.Update(0, 0, 0, 0.60)
	}
	if v, _ := g.LogOdds(Cell{3, 0}); v >= 0 {
		t.Errorf("wall cell = %v after 6 traversing rays, want < 0", v)
	}
}

func TestCellsOnRayChebyshev(t *testing.T) {
	cases := []struct{ a, b Cell }{
		{Cell{0, 0}, Cell{5, 0}},
		{Cell{0, 0}, Cell{0, -7}},
		{Cell{0, 0}, Cell{3, 3}},
		{Cell{2, -1}, Cell{-4, 5}},
		{Cell{1, 1}, Cell{1, 1}},
	}
	for _, c := range cases {
		ray := cellsOnRay(c.a, c.b)
		cheb := abs(c.b.IX - c.a.IX)
		if dz := abs(c.b.IZ - c.a.IZ); dz > cheb {
			cheb = dz
		}
		if len(ray) != cheb+1 {
			t.Errorf("ray %v->%v has %d cells, want %d", c.a, c.b, len(ray), cheb+1)
		}
		if ray[0] != c.a || ray[len(ray)-1] != c.b {
			t.Errorf("ray %v->%v endpoints wrong: %v", c.a, c.b, ray)
		}
		seen := make(map[Cell]bool)
		for _, cell := range ray {
			if seen[cell] {
				t.Errorf("ray %v->%v visits %v twice", c.a, c.b, cell)
			}
			seen[cell] = true
		}
	}
}

func TestIsPathClear(t *testing.T) {
	g := NewGrid()
	if !g.IsPathClear(0, 0, 0, 0.5, 0.15) {
		t.Error("empty grid should be clear")
	}

	// Build a hard wall ahead.
	for i := 0; i < 2; i++ {
		g.Update(0, 0, 0, 0.30)
	}
	if v, _ := g.LogOdds(Cell{3, 0}); v < NavBlockThresh {
		t.Fatalf("wall cell = %v, want >= %v", v, NavBlockThresh)
	}
	if g.IsPathClear(0, 0, 0, 0.5, 0.15) {
		t.Error("path through a nav-blocked cell should not be clear")
	}
	// Facing away is fine.
	if !g.IsPathClear(0, 0, math.Pi, 0.5, 0.15) {
		t.Error("path away from the wall should be clear")
	}
}

func TestClear(t *testing.T) {
	g := NewGrid()
	g.Update(0, 0, 0, 0.30)
	g.RecordTrail(0, 0)
	g.RecordTrail(1, 1)

	g.Clear()
	if g.Len() != 0 {
		t.Error("Clear left cells behind")
	}
	if len(g.Trail()) != 0 {
		t.Error("Clear left the trail behind")
	}

	// Idempotent.
	g.Clear()
	if g.Len() != 0 || len(g.Trail()) != 0 {
		t.Error("second Clear changed state")
	}
}

func TestRecordTrailSpacing(t *testing.T) {
	g := NewGrid()
	g.RecordTrail(0, 0)
	g.RecordTrail(0.05, 0) // too close, dropped
	g.RecordTrail(0.20, 0)
	g.RecordTrail(0.25, 0) // too close, dropped
	g.RecordTrail(0.45, 0)

	trail := g.Trail()
	if len(trail) != 3 {
		t.Fatalf("trail has %d points, want 3: %v", len(trail), trail)
	}
}
