package assemble

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

func TestParseTileIndex(t *testing.T) {
	ty, tx, err := ParseTileIndex("poster_Tile_1_0")
	require.NoError(t, err)
	assert.Equal(t, 1, ty)
	assert.Equal(t, 0, tx)

	ty, tx, err = ParseTileIndex("shot_Frame_0007_Tile_2_3")
	require.NoError(t, err)
	assert.Equal(t, 2, ty)
	assert.Equal(t, 3, tx)

	_, _, err = ParseTileIndex("not_a_tile")
	assert.Error(t, err)
	_, _, err = ParseTileIndex("poster_Tile_1")
	assert.Error(t, err)
}

// solidPNG encodes a w x h image filled with a single color.
func solidPNG(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func tileJob(t *testing.T, store *media.Store, name string, id uint64, data []byte) *models.Job {
	t.Helper()
	rel, err := store.SaveJobOutput("proj-1", id, "tile.png", bytes.NewReader(data))
	require.NoError(t, err)
	return &models.Job{
		ID:         id,
		Name:       name,
		Status:     models.JobStatusDone,
		OutputPath: rel,
	}
}

func TestStitchFlipsTileRows(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	a := NewAssembler(store, arbor.NewLogger())

	// 2x2 grid of 2x2 tiles, each a distinct color. Row ty=0 is the bottom
	// row in render coordinates, so it must land at the bottom of the canvas.
	red := color.RGBA{R: 255, A: 255}
	green := color.RGBA{G: 255, A: 255}
	blue := color.RGBA{B: 255, A: 255}
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	tiles := []*models.Job{
		tileJob(t, store, "img_Tile_0_0", 1, solidPNG(t, 2, 2, red)),
		tileJob(t, store, "img_Tile_0_1", 2, solidPNG(t, 2, 2, green)),
		tileJob(t, store, "img_Tile_1_0", 3, solidPNG(t, 2, 2, blue)),
		tileJob(t, store, "img_Tile_1_1", 4, solidPNG(t, 2, 2, white)),
	}

	data, err := a.Stitch(tiles, 4, 4, 2, 2)
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 4), img.Bounds())

	at := func(x, y int) color.RGBA {
		r, g, b, al := img.At(x, y).RGBA()
		return color.RGBA{R: uint8(r >> 8), G: uint8(g >> 8), B: uint8(b >> 8), A: uint8(al >> 8)}
	}
	// Top half of the canvas is row ty=1.
	assert.Equal(t, blue, at(0, 0))
	assert.Equal(t, white, at(3, 0))
	// Bottom half is row ty=0.
	assert.Equal(t, red, at(0, 3))
	assert.Equal(t, green, at(3, 3))
}

func TestStitchRejectsIncompleteGrid(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	a := NewAssembler(store, arbor.NewLogger())

	red := color.RGBA{R: 255, A: 255}
	tiles := []*models.Job{
		tileJob(t, store, "img_Tile_0_0", 1, solidPNG(t, 2, 2, red)),
	}

	_, err = a.Stitch(tiles, 4, 4, 2, 2)
	assert.Error(t, err)
}

func TestStitchRejectsMissingOutput(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	a := NewAssembler(store, arbor.NewLogger())

	red := color.RGBA{R: 255, A: 255}
	tiles := []*models.Job{
		tileJob(t, store, "img_Tile_0_0", 1, solidPNG(t, 2, 2, red)),
		{ID: 2, Name: "img_Tile_0_1", Status: models.JobStatusDone},
	}

	_, err = a.Stitch(tiles, 4, 2, 2, 1)
	assert.ErrorContains(t, err, "no output")
}

func TestStitchRejectsOutOfGridIndex(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	a := NewAssembler(store, arbor.NewLogger())

	red := color.RGBA{R: 255, A: 255}
	tiles := []*models.Job{
		tileJob(t, store, "img_Tile_0_0", 1, solidPNG(t, 2, 2, red)),
		tileJob(t, store, "img_Tile_5_5", 2, solidPNG(t, 2, 2, red)),
	}

	_, err = a.Stitch(tiles, 4, 2, 2, 1)
	assert.ErrorContains(t, err, "outside")
}

func TestCleanupTileOutputs(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), arbor.NewLogger())
	require.NoError(t, err)
	a := NewAssembler(store, arbor.NewLogger())

	red := color.RGBA{R: 255, A: 255}
	var tiles []*models.Job
	for i := uint64(1); i <= 2; i++ {
		tiles = append(tiles, tileJob(t, store, fmt.Sprintf("img_Tile_0_%d", i-1), i, solidPNG(t, 2, 2, red)))
	}

	a.CleanupTileOutputs(tiles)
	for _, tile := range tiles {
		_, err := store.ReadAll(tile.OutputPath)
		assert.Error(t, err, "tile output %s should be gone", tile.OutputPath)
	}
}

func TestSumRenderTime(t *testing.T) {
	tiles := []*models.Job{
		{Status: models.JobStatusDone, RenderTimeSeconds: 10.5},
		{Status: models.JobStatusDone, RenderTimeSeconds: 4.5},
		{Status: models.JobStatusError, RenderTimeSeconds: 99},
	}
	assert.Equal(t, 15.0, SumRenderTime(tiles))
}
