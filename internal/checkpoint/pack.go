// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

// encode packs the checkpoint header (version, count, timestamp) and one
// record per block, all in host->network (big-endian) byte order with
// length-prefixed strings, per §4.3.
func encode(blocks []*block.Block) ([]byte, error) {
	var buf bytes.Buffer

	writeString(&buf, CurrentVersion)
	binary.Write(&buf, binary.BigEndian, int32(len(blocks)))
	binary.Write(&buf, binary.BigEndian, time.Now().Unix())

	for _, b := range blocks {
		packRecord(&buf, b)
	}
	return buf.Bytes(), nil
}

// decode unpacks a checkpoint file previously produced by encode.
func decode(data []byte) ([]*block.Block, error) {
	r := bytes.NewReader(data)

	version, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read version: %w", err)
	}
	if version != CurrentVersion {
		return nil, ErrVersionMismatch
	}

	var count int32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("checkpoint: read count: %w", err)
	}
	var timestamp int64
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return nil, fmt.Errorf("checkpoint: read timestamp: %w", err)
	}

	blocks := make([]*block.Block, 0, count)
	for i := int32(0); i < count; i++ {
		b, err := unpackRecord(r)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: unpack record %d: %w", i, err)
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, int32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n < 0 || int(n) > r.Len() {
		return "", fmt.Errorf("checkpoint: corrupt string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func packRecord(buf *bytes.Buffer, b *block.Block) {
	writeString(buf, b.ID)

	binary.Write(buf, binary.BigEndian, int32(len(b.Nodes)))
	for _, c := range b.Nodes {
		binary.Write(buf, binary.BigEndian, int32(c.X))
		binary.Write(buf, binary.BigEndian, int32(c.Y))
		binary.Write(buf, binary.BigEndian, int32(c.Z))
	}

	binary.Write(buf, binary.BigEndian, int32(len(b.Ionodes)))
	for _, bit := range b.Ionodes {
		var v byte
		if bit {
			v = 1
		}
		buf.WriteByte(v)
	}

	binary.Write(buf, binary.BigEndian, int32(b.Geometry.X))
	binary.Write(buf, binary.BigEndian, int32(b.Geometry.Y))
	binary.Write(buf, binary.BigEndian, int32(b.Geometry.Z))
	binary.Write(buf, binary.BigEndian, int32(b.Start.X))
	binary.Write(buf, binary.BigEndian, int32(b.Start.Y))
	binary.Write(buf, binary.BigEndian, int32(b.Start.Z))

	writeString(buf, string(b.ConnType))
	binary.Write(buf, binary.BigEndian, int32(b.NodeCnt))
	binary.Write(buf, binary.BigEndian, int32(b.CPUCnt))

	writeString(buf, b.Images.Mloader)
	writeString(buf, b.Images.CnLoad)
	writeString(buf, b.Images.IoLoad)
	writeString(buf, b.Images.Blrts)

	writeString(buf, string(b.State))
	binary.Write(buf, binary.BigEndian, int32(b.BootState))
	binary.Write(buf, binary.BigEndian, int32(b.BootCount))
	binary.Write(buf, binary.BigEndian, b.JobRunning)

	writeString(buf, b.UserName)
	writeString(buf, b.TargetName)

	binary.Write(buf, binary.BigEndian, boolByte(b.Modifying))
	binary.Write(buf, binary.BigEndian, boolByte(b.FullBlock))
}

func unpackRecord(r *bytes.Reader) (*block.Block, error) {
	b := &block.Block{}

	var err error
	if b.ID, err = readString(r); err != nil {
		return nil, err
	}

	var nodeCount int32
	if err := binary.Read(r, binary.BigEndian, &nodeCount); err != nil {
		return nil, err
	}
	b.Nodes = make([]block.Coord, nodeCount)
	for i := range b.Nodes {
		var x, y, z int32
		binary.Read(r, binary.BigEndian, &x)
		binary.Read(r, binary.BigEndian, &y)
		binary.Read(r, binary.BigEndian, &z)
		b.Nodes[i] = block.Coord{X: int(x), Y: int(y), Z: int(z)}
	}

	var ionodeCount int32
	if err := binary.Read(r, binary.BigEndian, &ionodeCount); err != nil {
		return nil, err
	}
	b.Ionodes = make([]bool, ionodeCount)
	for i := range b.Ionodes {
		v, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		b.Ionodes[i] = v == 1
	}

	var gx, gy, gz, sx, sy, sz int32
	binary.Read(r, binary.BigEndian, &gx)
	binary.Read(r, binary.BigEndian, &gy)
	binary.Read(r, binary.BigEndian, &gz)
	binary.Read(r, binary.BigEndian, &sx)
	binary.Read(r, binary.BigEndian, &sy)
	binary.Read(r, binary.BigEndian, &sz)
	b.Geometry = block.Coord{X: int(gx), Y: int(gy), Z: int(gz)}
	b.Start = block.Coord{X: int(sx), Y: int(sy), Z: int(sz)}

	connType, err := readString(r)
	if err != nil {
		return nil, err
	}
	b.ConnType = block.ConnType(connType)

	var nodeCnt, cpuCnt int32
	binary.Read(r, binary.BigEndian, &nodeCnt)
	binary.Read(r, binary.BigEndian, &cpuCnt)
	b.NodeCnt = int(nodeCnt)
	b.CPUCnt = int(cpuCnt)

	if b.Images.Mloader, err = readString(r); err != nil {
		return nil, err
	}
	if b.Images.CnLoad, err = readString(r); err != nil {
		return nil, err
	}
	if b.Images.IoLoad, err = readString(r); err != nil {
		return nil, err
	}
	if b.Images.Blrts, err = readString(r); err != nil {
		return nil, err
	}

	state, err := readString(r)
	if err != nil {
		return nil, err
	}
	b.State = block.State(state)

	var bootState, bootCount int32
	binary.Read(r, binary.BigEndian, &bootState)
	binary.Read(r, binary.BigEndian, &bootCount)
	b.BootState = block.BootState(bootState)
	b.BootCount = int(bootCount)

	binary.Read(r, binary.BigEndian, &b.JobRunning)

	if b.UserName, err = readString(r); err != nil {
		return nil, err
	}
	if b.TargetName, err = readString(r); err != nil {
		return nil, err
	}

	var modifying, fullBlock byte
	binary.Read(r, binary.BigEndian, &modifying)
	binary.Read(r, binary.BigEndian, &fullBlock)
	b.Modifying = modifying == 1
	b.FullBlock = fullBlock == 1

	return b, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
