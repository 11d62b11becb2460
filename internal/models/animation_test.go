package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTilingConfigGrid(t *testing.T) {
	tests := []struct {
		config  TilingConfig
		x, y    int
		wantErr bool
	}{
		{"none", 1, 1, false},
		{"", 1, 1, false},
		{"2x2", 2, 2, false},
		{"3x3", 3, 3, false},
		{"4x2", 4, 2, false},
		{"2X2", 2, 2, false}, // case-insensitive
		{"0x2", 0, 0, true},
		{"2x", 0, 0, true},
		{"axb", 0, 0, true},
		{"2x2x2", 0, 0, true},
	}

	for _, tt := range tests {
		x, y, err := tt.config.Grid()
		if tt.wantErr {
			assert.Error(t, err, "config %q", tt.config)
			continue
		}
		require.NoError(t, err, "config %q", tt.config)
		assert.Equal(t, tt.x, x)
		assert.Equal(t, tt.y, y)
	}
}

func TestTilingConfigIsTiled(t *testing.T) {
	assert.False(t, TilingNone.IsTiled())
	assert.False(t, TilingConfig("").IsTiled())
	assert.False(t, TilingConfig("1x1").IsTiled())
	assert.True(t, TilingConfig("2x2").IsTiled())
	assert.False(t, TilingConfig("bogus").IsTiled())
}

func TestAnimationFrames(t *testing.T) {
	anim := &Animation{StartFrame: 1, EndFrame: 10, FrameStep: 3}
	assert.Equal(t, []int{1, 4, 7, 10}, anim.Frames())
	assert.Equal(t, 4, anim.ExpectedFrameCount())

	anim = &Animation{StartFrame: 5, EndFrame: 5, FrameStep: 1}
	assert.Equal(t, []int{5}, anim.Frames())
	assert.Equal(t, 1, anim.ExpectedFrameCount())

	// Step below 1 is treated as 1.
	anim = &Animation{StartFrame: 1, EndFrame: 3, FrameStep: 0}
	assert.Equal(t, []int{1, 2, 3}, anim.Frames())
	assert.Equal(t, 3, anim.ExpectedFrameCount())

	// Inverted range renders nothing.
	anim = &Animation{StartFrame: 10, EndFrame: 1, FrameStep: 1}
	assert.Empty(t, anim.Frames())
	assert.Equal(t, 0, anim.ExpectedFrameCount())
}
