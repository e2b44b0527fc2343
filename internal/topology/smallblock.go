// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package topology

// validSmallBlockSizes derives the legal sub-midplane block sizes from the
// I/O ratio (§4.1): the smallest block is
// max(1, round(midplaneSize·ioRatio/numpsets)) · nodecardSize, and the
// legal sizes above it double (32/64/128/256, capped below midplaneSize).
func validSmallBlockSizes(midplaneSize int, ioRatio float64, numpsets, nodecardSize int) []int {
	if numpsets <= 0 {
		numpsets = 1
	}
	smallest := int(ioRatio*float64(midplaneSize)/float64(numpsets) + 0.5)
	if smallest < 1 {
		smallest = 1
	}
	smallest *= nodecardSize

	var sizes []int
	for _, candidate := range []int{32, 64, 128, 256} {
		if candidate >= smallest && candidate < midplaneSize {
			sizes = append(sizes, candidate)
		}
	}
	if len(sizes) == 0 {
		sizes = append(sizes, smallest)
	}
	return sizes
}

// buildSmallBitmaps pre-computes, for each legal small-block size
// (expressed in compute nodes), every contiguous ionode bit range within a
// numpsets-wide bitmap that covers that many nodes. Cached once at
// startup per §4.1. The node-count-to-bit-width conversion divides by
// nodecardSize: one ionode bit stands for one nodecard's worth of compute
// nodes, matching block.DeriveCounts' inverse conversion at niPerNc == 1.
func buildSmallBitmaps(sizes []int, numpsets, nodecardSize int) map[int][][]bool {
	if nodecardSize <= 0 {
		nodecardSize = 1
	}
	out := make(map[int][][]bool, len(sizes))
	for _, size := range sizes {
		width := size / nodecardSize
		if width < 1 {
			width = 1
		}
		if width > numpsets {
			width = numpsets
		}
		if width <= 0 {
			continue
		}
		var ranges [][]bool
		for start := 0; start+width <= numpsets; start++ {
			bm := make([]bool, numpsets)
			for i := start; i < start+width; i++ {
				bm[i] = true
			}
			ranges = append(ranges, bm)
		}
		out[size] = ranges
	}
	return out
}

// ValidSmallBlockSizes returns the cached legal small-block sizes, largest
// first is not guaranteed; callers that need "smallest that fits" should
// sort.
func (t *Topology) ValidSmallBlockSizes() []int {
	sizes := make([]int, 0, len(t.smallBitmaps))
	for size := range t.smallBitmaps {
		sizes = append(sizes, size)
	}
	return sizes
}

// FreeIonodeRange returns the first cached ionode bitmap for a block size
// of at least minSize compute nodes (smallest such size first) that does
// not overlap any bit already set in used, or nil
// if none fits (§4.5 step 2: "pick an ionode range from the cached
// valid-bitmap list whose size >= request").
func (t *Topology) FreeIonodeRange(minSize int, used []bool) []bool {
	candidateSizes := make([]int, 0, len(t.smallBitmaps))
	for size := range t.smallBitmaps {
		if size >= minSize {
			candidateSizes = append(candidateSizes, size)
		}
	}
	sortInts(candidateSizes)

	for _, size := range candidateSizes {
		for _, bm := range t.smallBitmaps[size] {
			if !bitmapsOverlap(bm, used) {
				return bm
			}
		}
	}
	return nil
}

func bitmapsOverlap(a, b []bool) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] && b[i] {
			return true
		}
	}
	return false
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
