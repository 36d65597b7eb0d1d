package transcode

import "math"

// AnchorHeights is the fixed descending set of candidate rendition heights.
var AnchorHeights = []int{2160, 1440, 1080, 720, 480}

// Rung is one target resolution step within a ladder.
type Rung struct {
	Width  int
	Height int
}

// ComputeLadder returns the rendition rungs for a native resolution, in
// descending order. Only anchors strictly below the native height survive.
// When the native height lands exactly on an anchor, the anchor immediately
// below it is dropped to avoid two near-identical rungs (2160 native drops
// 1440, and so on down the set). Widths preserve the native aspect ratio,
// rounded to the nearest even integer for the encoder.
func ComputeLadder(nativeWidth, nativeHeight int) []Rung {
	if nativeWidth <= 0 || nativeHeight <= 0 {
		return nil
	}

	skip := 0
	for i, h := range AnchorHeights {
		if nativeHeight == h && i+1 < len(AnchorHeights) {
			skip = AnchorHeights[i+1]
			break
		}
	}

	var rungs []Rung
	for _, h := range AnchorHeights {
		if h >= nativeHeight || h == skip {
			continue
		}
		rungs = append(rungs, Rung{
			Width:  scaledEvenWidth(nativeWidth, nativeHeight, h),
			Height: h,
		})
	}
	return rungs
}

// scaledEvenWidth derives the width for a target height, preserving the
// native aspect ratio and rounding to the nearest even integer.
func scaledEvenWidth(nativeWidth, nativeHeight, targetHeight int) int {
	exact := float64(nativeWidth) * float64(targetHeight) / float64(nativeHeight)
	return int(math.Round(exact/2)) * 2
}
