// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

const base36Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var upper = cases.Upper(language.Und)

// EncodeCoord renders a midplane coordinate as the three-character
// base-36 string the controller bridge and checkpoint use ("A3C").
func EncodeCoord(c block.Coord) string {
	return string([]byte{
		base36Digits[c.X],
		base36Digits[c.Y],
		base36Digits[c.Z],
	})
}

// DecodeCoord parses a three-character base-36 coordinate string,
// case-insensitively (operators and config files mix "a3c" and "A3C").
func DecodeCoord(s string) (block.Coord, error) {
	norm := upper.String(strings.TrimSpace(s))
	if len(norm) != 3 {
		return block.Coord{}, fmt.Errorf("topology: coordinate %q must be exactly 3 characters", s)
	}
	digits := make([]int, 3)
	for i := 0; i < 3; i++ {
		idx := strings.IndexByte(base36Digits, norm[i])
		if idx < 0 {
			return block.Coord{}, fmt.Errorf("topology: coordinate %q has invalid digit %q", s, norm[i])
		}
		digits[i] = idx
	}
	return block.Coord{X: digits[0], Y: digits[1], Z: digits[2]}, nil
}
