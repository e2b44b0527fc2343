// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

const sample = `
# static layout, one torus block covering the whole machine
LayoutMode=static
BasePartitionNodeCnt=512
NodeCardNodeCnt=32
Numpsets=16
DenyPassthrough=X,Y
MloaderImage=/bgsys/images/mloader
CnloadImage=/bgsys/images/cnload
AltCnloadImage=/bgsys/images/cnload-debug
BPs=Nodes=000x000 Type=torus BlockID=RMP000
`

func TestLoad_ParsesSampleConfig(t *testing.T) {
	c, err := Load(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "static", c.LayoutMode)
	assert.Equal(t, 512, c.BasePartitionNodeCnt)
	assert.Equal(t, 32, c.NodeCardNodeCnt)
	assert.Equal(t, 16, c.Numpsets)
	assert.Equal(t, []string{"X", "Y"}, c.DenyPassthrough)
	assert.Equal(t, "/bgsys/images/mloader", c.MloaderImage)
	assert.Equal(t, []string{"/bgsys/images/cnload-debug"}, c.AltCnloadImages)

	require.Len(t, c.BPs, 1)
	assert.Equal(t, "000x000", c.BPs[0].Nodes)
	assert.Equal(t, block.ConnTorus, c.BPs[0].Type)
	assert.Equal(t, "RMP000", c.BPs[0].BlockID)
}

func TestLoad_RejectsMalformedLine(t *testing.T) {
	_, err := Load(strings.NewReader("this is not key value"))
	assert.Error(t, err)
}

func TestValidate_RejectsBadLayoutMode(t *testing.T) {
	c := NewDefault()
	c.LayoutMode = "chaotic"
	c.BPs = []BPLine{{Nodes: "000x000"}}
	assert.Error(t, c.Validate())
}

func TestValidate_RejectsNodeCardNotDividing(t *testing.T) {
	c := NewDefault()
	c.NodeCardNodeCnt = 33
	c.BPs = []BPLine{{Nodes: "000x000"}}
	assert.Error(t, c.Validate())
}

func TestValidate_StaticRequiresAtLeastOneBP(t *testing.T) {
	c := NewDefault()
	assert.Error(t, c.Validate())
}

func TestValidate_DynamicNeedsNoBPs(t *testing.T) {
	c := NewDefault()
	c.LayoutMode = "dynamic"
	assert.NoError(t, c.Validate())
}

func TestValidate_RejectsNonPositiveCPUsPerNode(t *testing.T) {
	c := NewDefault()
	c.LayoutMode = "dynamic"
	c.CPUsPerNode = 0
	assert.Error(t, c.Validate())
}

func TestNewDefault_SetsCPUsPerNode(t *testing.T) {
	c := NewDefault()
	assert.Equal(t, 1, c.CPUsPerNode)
}

func TestLoad_ParsesCPUsPerNode(t *testing.T) {
	c, err := Load(strings.NewReader("LayoutMode=dynamic\nCPUsPerNode=4\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, c.CPUsPerNode)
}
