package thumbnail

import "image"

// AverageLuma returns the mean Rec.601 luma of the image on a 0-255 scale.
// Used only by the dark-frame heuristic, which is a rough approximation:
// a bright but blurry frame scores well, a dark but interesting one does not.
func AverageLuma(img image.Image) float64 {
	bounds := img.Bounds()
	if bounds.Empty() {
		return 0
	}

	var sum float64
	var count int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			sum += 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			count++
		}
	}
	return sum / float64(count)
}
