package thumbnail

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// SampleInterval is the fixed spacing between storyboard tiles.
const SampleInterval = 1.0 // seconds

// BuildSprite assembles sampled frames into a single sprite sheet on a
// near-square grid and returns the tile manifest addressing each frame's
// timestamp to its x/y offset. Frames are fitted into tileWidth x tileHeight
// preserving their aspect ratio.
func BuildSprite(frames []image.Image, tileWidth, tileHeight int, interval float64) (*image.NRGBA, []models.StoryboardTile) {
	if len(frames) == 0 {
		return nil, nil
	}

	cols := int(math.Ceil(math.Sqrt(float64(len(frames)))))
	rows := int(math.Ceil(float64(len(frames)) / float64(cols)))

	sprite := imaging.New(cols*tileWidth, rows*tileHeight, color.NRGBA{0, 0, 0, 255})
	tiles := make([]models.StoryboardTile, 0, len(frames))

	for i, frame := range frames {
		col := i % cols
		row := i / cols
		x := col * tileWidth
		y := row * tileHeight

		fitted := imaging.Fit(frame, tileWidth, tileHeight, imaging.Lanczos)
		sprite = imaging.Paste(sprite, fitted, image.Pt(x, y))

		tiles = append(tiles, models.StoryboardTile{
			StartTime: float64(i) * interval,
			X:         x,
			Y:         y,
		})
	}

	return sprite, tiles
}
