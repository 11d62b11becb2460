// -----------------------------------------------------------------------
// Image assembler - stitches tile outputs back into full frames.
//
// Tile index (0,0) is the bottom-left tile in the renderer's coordinate
// system while image memory is laid out top-down, so the paste origin
// flips the y axis.
// -----------------------------------------------------------------------

package assemble

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"regexp"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/models"
	"github.com/renderbarn/renderbarn/internal/services/media"
)

// tileNamePattern extracts (ty, tx) from a tile job name such as
// "poster_Tile_1_0".
var tileNamePattern = regexp.MustCompile(`_Tile_(\d+)_(\d+)$`)

// Assembler stitches tile jobs into frames and tiled images.
type Assembler struct {
	media  *media.Store
	logger arbor.ILogger
}

// NewAssembler creates a new Assembler.
func NewAssembler(mediaStore *media.Store, logger arbor.ILogger) *Assembler {
	return &Assembler{media: mediaStore, logger: logger}
}

// ParseTileIndex extracts the (ty, tx) grid position from a tile job name.
func ParseTileIndex(name string) (ty, tx int, err error) {
	m := tileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, fmt.Errorf("malformed tile name %q", name)
	}
	ty, _ = strconv.Atoi(m[1])
	tx, _ = strconv.Atoi(m[2])
	return ty, tx, nil
}

// Stitch pastes the tile jobs' outputs into an RGBA canvas of the final
// resolution and returns it PNG-encoded. Every tile must have an output;
// partial assembly is never produced.
func (a *Assembler) Stitch(tiles []*models.Job, finalX, finalY, tilesX, tilesY int) ([]byte, error) {
	if len(tiles) != tilesX*tilesY {
		return nil, fmt.Errorf("expected %d tiles, have %d", tilesX*tilesY, len(tiles))
	}

	tileW := finalX / tilesX
	tileH := finalY / tilesY
	canvas := image.NewRGBA(image.Rect(0, 0, finalX, finalY))

	for _, tile := range tiles {
		ty, tx, err := ParseTileIndex(tile.Name)
		if err != nil {
			return nil, err
		}
		if ty < 0 || ty >= tilesY || tx < 0 || tx >= tilesX {
			return nil, fmt.Errorf("tile %q index (%d,%d) outside %dx%d grid", tile.Name, tx, ty, tilesX, tilesY)
		}
		if tile.OutputPath == "" {
			return nil, fmt.Errorf("tile %q has no output", tile.Name)
		}

		data, err := a.media.ReadAll(tile.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read tile %q: %w", tile.Name, err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode tile %q: %w", tile.Name, err)
		}

		// Row 0 is the bottom of the image in render coordinates.
		pasteX := tx * tileW
		pasteY := (tilesY - 1 - ty) * tileH
		rect := image.Rect(pasteX, pasteY, pasteX+tileW, pasteY+tileH)
		draw.Draw(canvas, rect, img, img.Bounds().Min, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("failed to encode assembled image: %w", err)
	}
	return buf.Bytes(), nil
}

// CleanupTileOutputs removes tile artifacts after a successful assembly to
// reclaim space. Failures are logged, not fatal.
func (a *Assembler) CleanupTileOutputs(tiles []*models.Job) {
	for _, tile := range tiles {
		if tile.OutputPath == "" {
			continue
		}
		if err := a.media.Remove(tile.OutputPath); err != nil {
			a.logger.Warn().Err(err).Str("tile", tile.Name).Msg("Failed to remove tile output")
		}
	}
}

// SumRenderTime totals the render time of DONE tiles.
func SumRenderTime(tiles []*models.Job) float64 {
	total := 0.0
	for _, tile := range tiles {
		if tile.Status == models.JobStatusDone {
			total += tile.RenderTimeSeconds
		}
	}
	return total
}
