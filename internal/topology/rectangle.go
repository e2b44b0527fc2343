// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"sort"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

// Rect describes a candidate (or chosen) rectangle of midplanes.
type Rect struct {
	Start    block.Coord
	Geometry block.Coord
	Nodes    []block.Coord
}

// rectExtent returns the (dx,dy,dz) bounding-box extent of an arbitrary
// midplane set, used by Reserve to decide whether a dimension spans the
// full grid (and therefore needs a wraparound wire).
func rectExtent(nodes []block.Coord) [3]int {
	if len(nodes) == 0 {
		return [3]int{}
	}
	minX, minY, minZ := nodes[0].X, nodes[0].Y, nodes[0].Z
	maxX, maxY, maxZ := minX, minY, minZ
	for _, c := range nodes[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
		if c.Z < minZ {
			minZ = c.Z
		}
		if c.Z > maxZ {
			maxZ = c.Z
		}
	}
	return [3]int{maxX - minX + 1, maxY - minY + 1, maxZ - minZ + 1}
}

func rectNodes(start, geom block.Coord) []block.Coord {
	nodes := make([]block.Coord, 0, geom.X*geom.Y*geom.Z)
	for dx := 0; dx < geom.X; dx++ {
		for dy := 0; dy < geom.Y; dy++ {
			for dz := 0; dz < geom.Z; dz++ {
				nodes = append(nodes, block.Coord{X: start.X + dx, Y: start.Y + dy, Z: start.Z + dz})
			}
		}
	}
	return nodes
}

func geomPermutations(g block.Coord, rotate bool) []block.Coord {
	if !rotate {
		return []block.Coord{g}
	}
	seen := map[block.Coord]bool{}
	var out []block.Coord
	perms := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	vals := [3]int{g.X, g.Y, g.Z}
	for _, p := range perms {
		c := block.Coord{X: vals[p[0]], Y: vals[p[1]], Z: vals[p[2]]}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func geomDistance(a, b block.Coord) int {
	absDiff := func(x, y int) int {
		if x > y {
			return x - y
		}
		return y - x
	}
	return absDiff(a.X, b.X) + absDiff(a.Y, b.Y) + absDiff(a.Z, b.Z)
}

// FindRectangle searches the grid for a free rectangle of midplanes whose
// extent lies within [min,max] and whose aspect matches geometryHint
// (optionally under axis rotation), per §4.1's tie-break order: smaller
// total midplane count first, then lexicographic (x,y,z) of the lower
// corner, then geometry closer to the hint, then torus before mesh before
// small (that last tie-break is the caller's, since FindRectangle itself
// is connection-type agnostic).
func (t *Topology) FindRectangle(min, max, geometryHint block.Coord, rotate bool) (*Rect, error) {
	var candidates []Rect

	for gx := min.X; gx <= max.X && gx <= t.dims.X; gx++ {
		for gy := min.Y; gy <= max.Y && gy <= t.dims.Y; gy++ {
			for gz := min.Z; gz <= max.Z && gz <= t.dims.Z; gz++ {
				if gx <= 0 || gy <= 0 || gz <= 0 {
					continue
				}
				base := block.Coord{X: gx, Y: gy, Z: gz}
				for _, geom := range geomPermutations(base, rotate) {
					if geom.X > t.dims.X || geom.Y > t.dims.Y || geom.Z > t.dims.Z {
						continue
					}
					for sx := 0; sx <= t.dims.X-geom.X; sx++ {
						for sy := 0; sy <= t.dims.Y-geom.Y; sy++ {
							for sz := 0; sz <= t.dims.Z-geom.Z; sz++ {
								start := block.Coord{X: sx, Y: sy, Z: sz}
								if !t.allFree(start, geom) {
									continue
								}
								candidates = append(candidates, Rect{
									Start:    start,
									Geometry: geom,
									Nodes:    rectNodes(start, geom),
								})
							}
						}
					}
				}
			}
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoRectangle
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		an := a.Geometry.X * a.Geometry.Y * a.Geometry.Z
		bn := b.Geometry.X * b.Geometry.Y * b.Geometry.Z
		if an != bn {
			return an < bn
		}
		if a.Start != b.Start {
			return lessCoord(a.Start, b.Start)
		}
		ad := geomDistance(a.Geometry, geometryHint)
		bd := geomDistance(b.Geometry, geometryHint)
		return ad < bd
	})

	chosen := candidates[0]
	return &chosen, nil
}

func lessCoord(a, b block.Coord) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

func (t *Topology) allFree(start, geom block.Coord) bool {
	for dx := 0; dx < geom.X; dx++ {
		for dy := 0; dy < geom.Y; dy++ {
			for dz := 0; dz < geom.Z; dz++ {
				mp, ok := t.at(block.Coord{X: start.X + dx, Y: start.Y + dy, Z: start.Z + dz})
				if !ok || mp.used {
					return false
				}
			}
		}
	}
	return true
}
