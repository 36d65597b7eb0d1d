package thumbnail

import (
	"image"
	"image/color"
	"testing"
)

func frames(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = uniformImage(color.NRGBA{100, 100, 100, 255}, 320, 180)
	}
	return out
}

func TestBuildSpriteGeometry(t *testing.T) {
	tests := []struct {
		name       string
		frameCount int
		wantCols   int
		wantRows   int
	}{
		{"single frame", 1, 1, 1},
		{"perfect square", 9, 3, 3},
		{"one over a square", 10, 4, 3},
		{"two frames", 2, 2, 1},
		{"sixty second video", 60, 8, 8},
	}

	const tileW, tileH = 160, 90

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sprite, tiles := BuildSprite(frames(tt.frameCount), tileW, tileH, SampleInterval)
			if sprite == nil {
				t.Fatal("BuildSprite returned nil sprite")
			}

			bounds := sprite.Bounds()
			if bounds.Dx() != tt.wantCols*tileW {
				t.Errorf("sprite width = %d, want %d", bounds.Dx(), tt.wantCols*tileW)
			}
			if bounds.Dy() != tt.wantRows*tileH {
				t.Errorf("sprite height = %d, want %d", bounds.Dy(), tt.wantRows*tileH)
			}

			if len(tiles) != tt.frameCount {
				t.Fatalf("tile count = %d, want %d", len(tiles), tt.frameCount)
			}
			for i, tile := range tiles {
				wantX := (i % tt.wantCols) * tileW
				wantY := (i / tt.wantCols) * tileH
				if tile.X != wantX || tile.Y != wantY {
					t.Errorf("tile %d at (%d,%d), want (%d,%d)", i, tile.X, tile.Y, wantX, wantY)
				}
				if tile.StartTime != float64(i)*SampleInterval {
					t.Errorf("tile %d startTime = %v, want %v", i, tile.StartTime, float64(i)*SampleInterval)
				}
			}
		})
	}
}

func TestBuildSpriteEmpty(t *testing.T) {
	sprite, tiles := BuildSprite(nil, 160, 90, SampleInterval)
	if sprite != nil || tiles != nil {
		t.Errorf("BuildSprite(nil) = (%v, %v), want (nil, nil)", sprite, tiles)
	}
}
