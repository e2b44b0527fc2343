// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package topology implements the 3-D midplane grid model (§4.1): per
// midplane axis switches, wire adjacency, reservation, and rectangle
// search. Callers (the allocator, under the registry mutex) serialize
// access; this package holds no lock of its own.
package topology

import (
	"errors"
	"fmt"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

// Dims is the machine's midplane grid extent.
type Dims struct {
	X, Y, Z int
}

// PassDim names a dimension a pass-through hop is denied through.
type PassDim string

const (
	PassX   PassDim = "x"
	PassY   PassDim = "y"
	PassZ   PassDim = "z"
	PassAll PassDim = "all"
)

// Reservation errors from §4.1. These are topology-internal; the allocator
// translates them into the §7 job-facing taxonomy (typically
// GEOMETRY_IMPOSSIBLE or RESOURCES_BUSY).
var (
	ErrGeometryConflict  = errors.New("topology: midplane already used")
	ErrWiringConflict    = errors.New("topology: no switch path through requested dimensions")
	ErrPassthroughDenied = errors.New("topology: requested set requires a denied pass-through hop")
	ErrNoRectangle       = errors.New("topology: no rectangle satisfies the request")
	ErrOutOfBounds       = errors.New("topology: coordinate outside grid")
)

// axisSwitch models one midplane's per-dimension switch: six ports, an
// internal wire table recording which port pairs are currently routed
// through this switch, and an external wire table mapping each port to
// the neighbor midplane it connects to.
type axisSwitch struct {
	dim      int // 0=X, 1=Y, 2=Z
	portUsed [6]bool
	// internalWire[in] = out for an active through-route, both directions
	// recorded so traversal from either end finds the pairing.
	internalWire map[int]int
	// external[port] is the neighbor coordinate reached by that port, or
	// nil at a grid edge with no wraparound configured.
	external [6]*block.Coord
}

func newAxisSwitch(dim int) *axisSwitch {
	return &axisSwitch{dim: dim, internalWire: make(map[int]int)}
}

func (s *axisSwitch) reset() {
	s.portUsed = [6]bool{}
	s.internalWire = make(map[int]int)
}

// midplane is one grid cell: its coordinate, whether it is committed to a
// block, and its three axis switches.
type midplane struct {
	coord    block.Coord
	used     bool
	switches [3]*axisSwitch // indexed by dimension
}

// Topology is the machine's midplane grid.
type Topology struct {
	dims Dims
	grid [][][]*midplane // grid[x][y][z]

	nodesPerMidplane int
	nodecardSize     int
	numpsets         int
	ioRatio          float64

	// smallBitmaps caches, for each legal small-block size, the set of
	// contiguous ionode bit ranges of exactly that size.
	smallBitmaps map[int][][]bool
}

// New builds a grid of the given dimensions, wrapping at each edge (the
// machine is a torus unless deny_pass excludes a dimension's wraparound).
func New(dims Dims, nodesPerMidplane, nodecardSize, numpsets int, ioRatio float64) *Topology {
	t := &Topology{
		dims:             dims,
		nodesPerMidplane: nodesPerMidplane,
		nodecardSize:     nodecardSize,
		numpsets:         numpsets,
		ioRatio:          ioRatio,
	}
	t.grid = make([][][]*midplane, dims.X)
	for x := 0; x < dims.X; x++ {
		t.grid[x] = make([][]*midplane, dims.Y)
		for y := 0; y < dims.Y; y++ {
			t.grid[x][y] = make([]*midplane, dims.Z)
			for z := 0; z < dims.Z; z++ {
				mp := &midplane{coord: block.Coord{X: x, Y: y, Z: z}}
				mp.switches[0] = newAxisSwitch(0)
				mp.switches[1] = newAxisSwitch(1)
				mp.switches[2] = newAxisSwitch(2)
				t.grid[x][y][z] = mp
			}
		}
	}
	t.wireExternal()
	t.smallBitmaps = buildSmallBitmaps(validSmallBlockSizes(nodesPerMidplane, ioRatio, numpsets, nodecardSize), numpsets, nodecardSize)
	return t
}

// wireExternal derives each switch's external-wire table from the grid's
// torus adjacency: port 0/1 are the −/+ neighbor along the switch's own
// dimension.
func (t *Topology) wireExternal() {
	for x := 0; x < t.dims.X; x++ {
		for y := 0; y < t.dims.Y; y++ {
			for z := 0; z < t.dims.Z; z++ {
				mp := t.grid[x][y][z]
				for dim := 0; dim < 3; dim++ {
					prev, next := t.neighbors(mp.coord, dim)
					mp.switches[dim].external[0] = &prev
					mp.switches[dim].external[1] = &next
				}
			}
		}
	}
}

// Dims returns the machine's midplane grid extent.
func (t *Topology) Dims() Dims { return t.dims }

// NodesPerMidplane returns the configured compute-node count per midplane,
// used by the allocator to normalize a request's node count.
func (t *Topology) NodesPerMidplane() int { return t.nodesPerMidplane }

func (t *Topology) extent(dim int) int {
	switch dim {
	case 0:
		return t.dims.X
	case 1:
		return t.dims.Y
	default:
		return t.dims.Z
	}
}

func (t *Topology) neighbors(c block.Coord, dim int) (prev, next block.Coord) {
	prev, next = c, c
	n := t.extent(dim)
	switch dim {
	case 0:
		prev.X = (c.X - 1 + n) % n
		next.X = (c.X + 1) % n
	case 1:
		prev.Y = (c.Y - 1 + n) % n
		next.Y = (c.Y + 1) % n
	case 2:
		prev.Z = (c.Z - 1 + n) % n
		next.Z = (c.Z + 1) % n
	}
	return prev, next
}

func (t *Topology) at(c block.Coord) (*midplane, bool) {
	if c.X < 0 || c.X >= t.dims.X || c.Y < 0 || c.Y >= t.dims.Y || c.Z < 0 || c.Z >= t.dims.Z {
		return nil, false
	}
	return t.grid[c.X][c.Y][c.Z], true
}

// Reset marks every midplane free and every switch unwired (§4.1 reset()).
func (t *Topology) Reset() {
	for x := range t.grid {
		for y := range t.grid[x] {
			for z := range t.grid[x][y] {
				mp := t.grid[x][y][z]
				mp.used = false
				for _, sw := range mp.switches {
					sw.reset()
				}
			}
		}
	}
}

// requiresWraparound reports whether a rectangle spanning the full extent
// of dim must pass through the wraparound link to close the torus.
func (t *Topology) requiresWraparound(dim int, extent int) bool {
	return extent == t.extent(dim) && extent > 1
}

func passDenied(deny []PassDim, dim int) bool {
	want := [3]PassDim{PassX, PassY, PassZ}[dim]
	for _, d := range deny {
		if d == PassAll || d == want {
			return true
		}
	}
	return false
}

// Reserve marks a midplane set used with the requested connection type
// (§4.1). Fails with ErrGeometryConflict if any midplane is already used,
// ErrWiringConflict if the ports needed to route torus wraparound are
// already committed to another path, or ErrPassthroughDenied if a
// full-extent (wraparound) dimension is excluded by denyPass.
func (t *Topology) Reserve(nodes []block.Coord, connType block.ConnType, denyPass []PassDim) error {
	mids := make([]*midplane, 0, len(nodes))
	for _, c := range nodes {
		mp, ok := t.at(c)
		if !ok {
			return fmt.Errorf("%w: %s", ErrOutOfBounds, c)
		}
		if mp.used {
			return fmt.Errorf("%w: %s", ErrGeometryConflict, c)
		}
		mids = append(mids, mp)
	}

	if connType == block.ConnTorus || connType == block.ConnMesh {
		extents := rectExtent(nodes)
		for dim, ext := range extents {
			if connType == block.ConnTorus && t.requiresWraparound(dim, ext) {
				if passDenied(denyPass, dim) {
					return fmt.Errorf("%w: dimension %d", ErrPassthroughDenied, dim)
				}
				if err := t.reservePorts(mids, dim); err != nil {
					return err
				}
			}
		}
	}

	for _, mp := range mids {
		mp.used = true
	}
	return nil
}

// reservePorts marks the wraparound port pair used on every switch along
// dim, failing with ErrWiringConflict if any is already committed.
func (t *Topology) reservePorts(mids []*midplane, dim int) error {
	for _, mp := range mids {
		sw := mp.switches[dim]
		if sw.portUsed[0] || sw.portUsed[1] {
			return fmt.Errorf("%w: midplane %s dimension %d", ErrWiringConflict, mp.coord, dim)
		}
	}
	for _, mp := range mids {
		sw := mp.switches[dim]
		sw.portUsed[0] = true
		sw.portUsed[1] = true
		sw.internalWire[0] = 1
		sw.internalWire[1] = 0
	}
	return nil
}

// Release marks a previously reserved midplane set free again, undoing
// Reserve's port bookkeeping.
func (t *Topology) Release(nodes []block.Coord) {
	for _, c := range nodes {
		mp, ok := t.at(c)
		if !ok {
			continue
		}
		mp.used = false
		for _, sw := range mp.switches {
			sw.reset()
		}
	}
}

// Path returns the ordered list of switch ports a signal would traverse
// along dim from start to target, using the external-wire table. Returns
// nil if no path exists (out of bounds, or dim wraps through an unwired
// edge).
func (t *Topology) Path(start, target block.Coord, dim int) []int {
	cur, ok := t.at(start)
	if !ok {
		return nil
	}
	var ports []int
	seen := map[block.Coord]bool{}
	for cur.coord != target {
		if seen[cur.coord] {
			return nil // cycle without reaching target: no path
		}
		seen[cur.coord] = true
		sw := cur.switches[dim]
		next := sw.external[1]
		if next == nil {
			return nil
		}
		ports = append(ports, 1)
		nmp, ok := t.at(*next)
		if !ok {
			return nil
		}
		cur = nmp
	}
	return ports
}
