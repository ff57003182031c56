package planner

import (
	"container/heap"
	"math"

	"polly/internal/mapping"
)

// MaxExpansions bounds the A* search. Exceeding it means no path.
const MaxExpansions = 5000

type node struct {
	cell   mapping.Cell
	g      float64
	f      float64
	parent *node
	index  int
}

type openSet []*node

func (s openSet) Len() int            { return len(s) }
func (s openSet) Less(i, j int) bool  { return s[i].f < s[j].f }
func (s openSet) Swap(i, j int)       { s[i], s[j] = s[j], s[i]; s[i].index = i; s[j].index = j }
func (s *openSet) Push(x interface{}) { n := x.(*node); n.index = len(*s); *s = append(*s, n) }
func (s *openSet) Pop() interface{} {
	old := *s
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*s = old[:len(old)-1]
	return n
}

// Passable reports whether a cell may be driven through: its log-odds must
// be below the navigation block threshold. Unknown cells default to zero and
// are passable, so exploration may cross unknown terrain.
func Passable(cells map[mapping.Cell]float64, c mapping.Cell) bool {
	return cells[c] < mapping.NavBlockThresh
}

// PlanPath runs 4-neighbour A* with unit step cost and a Euclidean
// heuristic over the snapshot. It returns nil when the goal is unreachable
// or the expansion budget runs out.
func PlanPath(cells map[mapping.Cell]float64, start, goal mapping.Cell) []mapping.Cell {
	if !Passable(cells, goal) {
		return nil
	}

	open := &openSet{}
	heap.Init(open)
	startNode := &node{cell: start, g: 0, f: euclid(start, goal)}
	heap.Push(open, startNode)

	best := map[mapping.Cell]float64{start: 0}
	closed := make(map[mapping.Cell]bool)

	expansions := 0
	for open.Len() > 0 {
		n := heap.Pop(open).(*node)
		if closed[n.cell] {
			continue
		}
		closed[n.cell] = true

		if n.cell == goal {
			return reconstruct(n)
		}

		expansions++
		if expansions > MaxExpansions {
			return nil
		}

		for _, d := range neighbours4 {
			next := mapping.Cell{IX: n.cell.IX + d[0], IZ: n.cell.IZ + d[1]}
			if closed[next] || !Passable(cells, next) {
				continue
			}
			g := n.g + 1
			if prev, seen := best[next]; seen && g >= prev {
				continue
			}
			best[next] = g
			heap.Push(open, &node{
				cell:   next,
				g:      g,
				f:      g + euclid(next, goal),
				parent: n,
			})
		}
	}
	return nil
}

func euclid(a, b mapping.Cell) float64 {
	dx := float64(a.IX - b.IX)
	dz := float64(a.IZ - b.IZ)
	return math.Sqrt(dx*dx + dz*dz)
}

func reconstruct(n *node) []mapping.Cell {
	var rev []mapping.Cell
	for ; n != nil; n = n.parent {
		rev = append(rev, n.cell)
	}
	out := make([]mapping.Cell, len(rev))
	for i, c := range rev {
		out[len(rev)-1-i] = c
	}
	return out
}
