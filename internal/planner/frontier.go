// Package planner finds exploration frontiers in a grid snapshot and plans
// paths to them with A*.
package planner

import (
	"sort"

	"polly/internal/mapping"
)

// Cluster is a 4-connected group of frontier cells.
type Cluster struct {
	Cells      []mapping.Cell
	CentroidIx float64
	CentroidIz float64
}

var neighbours4 = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

// FindFrontiers returns every free cell with at least one unknown
// 4-neighbour. A cell is free when its log-odds is at or below the free
// threshold; a neighbour is unknown when it is absent from the snapshot.
func FindFrontiers(cells map[mapping.Cell]float64) []mapping.Cell {
	var out []mapping.Cell
	for c, v := range cells {
		if v > mapping.FreeThresh {
			continue
		}
		for _, d := range neighbours4 {
			n := mapping.Cell{IX: c.IX + d[0], IZ: c.IZ + d[1]}
			if _, known := cells[n]; !known {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ClusterFrontiers groups frontier cells by 4-connected flood fill and
// returns the clusters sorted by size descending.
func ClusterFrontiers(frontiers []mapping.Cell) []Cluster {
	unvisited := make(map[mapping.Cell]bool, len(frontiers))
	for _, c := range frontiers {
		unvisited[c] = true
	}

	var clusters []Cluster
	for _, seed := range frontiers {
		if !unvisited[seed] {
			continue
		}
		var members []mapping.Cell
		stack := []mapping.Cell{seed}
		delete(unvisited, seed)
		for len(stack) > 0 {
			c := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			members = append(members, c)
			for _, d := range neighbours4 {
				n := mapping.Cell{IX: c.IX + d[0], IZ: c.IZ + d[1]}
				if unvisited[n] {
					delete(unvisited, n)
					stack = append(stack, n)
				}
			}
		}

		var sumX, sumZ float64
		for _, c := range members {
			sumX += float64(c.IX)
			sumZ += float64(c.IZ)
		}
		clusters = append(clusters, Cluster{
			Cells:      members,
			CentroidIx: sumX / float64(len(members)),
			CentroidIz: sumZ / float64(len(members)),
		})
	}

	sort.Slice(clusters, func(i, j int) bool {
		return len(clusters[i].Cells) > len(clusters[j].Cells)
	})
	return clusters
}

// OrderByDistance returns the clusters sorted by squared centroid distance
// from the robot cell, nearest first.
func OrderByDistance(clusters []Cluster, robot mapping.Cell) []Cluster {
	out := make([]Cluster, len(clusters))
	copy(out, clusters)
	sort.Slice(out, func(i, j int) bool {
		return sqDist(out[i], robot) < sqDist(out[j], robot)
	})
	return out
}

func sqDist(c Cluster, robot mapping.Cell) float64 {
	dx := c.CentroidIx - float64(robot.IX)
	dz := c.CentroidIz - float64(robot.IZ)
	return dx*dx + dz*dz
}
