package thumbs

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/jpeg" // accept JPEG artifacts as thumbnail sources

	"github.com/ternarybob/arbor"
	"golang.org/x/image/draw"

	"github.com/renderbarn/renderbarn/internal/services/media"
)

// ThumbnailWidth is the fixed preview width; height preserves aspect ratio.
const ThumbnailWidth = 256

// Generator produces deterministic-named PNG previews of rendered artifacts.
type Generator struct {
	media  *media.Store
	logger arbor.ILogger
}

// NewGenerator creates a new thumbnail generator.
func NewGenerator(mediaStore *media.Store, logger arbor.ILogger) *Generator {
	return &Generator{media: mediaStore, logger: logger}
}

// Generate renders a 256px-wide preview of the artifact at sourceRel and
// writes it to the entity's deterministic thumbnail path, overwriting any
// prior preview. Returns the thumbnail's relative path.
func (g *Generator) Generate(sourceRel, projectID, model, pk string) (string, error) {
	data, err := g.media.ReadAll(sourceRel)
	if err != nil {
		return "", err
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode artifact %s: %w", sourceRel, err)
	}

	scaled := Scale(src, ThumbnailWidth)

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	rel := g.media.ThumbnailPath(projectID, model, pk)
	if err := g.media.SaveThumbnail(rel, buf.Bytes()); err != nil {
		return "", err
	}

	g.logger.Debug().
		Str("source", sourceRel).
		Str("thumbnail", rel).
		Msg("Thumbnail written")

	return rel, nil
}

// Scale resizes an image to the given width, preserving aspect ratio.
func Scale(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return image.NewRGBA(image.Rect(0, 0, width, width))
	}

	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
