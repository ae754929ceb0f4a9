// Package visualization renders orthogonal slices of the combined label
// volume as color PNG previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"anatomesh/internal/models"
)

// Palette maps label ids to display colors; unmapped non-zero ids are drawn
// gray and 0 is transparent black.
type Palette map[int]color.RGBA

// NewPalette builds a palette from structure names indexed by id-1, using
// colorOf for each name.
func NewPalette(names []string, colorOf func(string) models.RGB) Palette {
	p := make(Palette, len(names))
	for i, name := range names {
		c := colorOf(name)
		p[i+1] = color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
	}
	return p
}

// Viewer extracts slices from a label volume.
type Viewer struct {
	// volume holds the integer label grid
	volume *models.LabelVolume

	palette Palette

	// unit is the smallest voxel edge; slices are resampled so one pixel
	// covers unit mm in both directions
	unit float64
}

// NewViewer creates a viewer for vol.
func NewViewer(vol *models.LabelVolume, palette Palette) *Viewer {
	unit := math.Min(vol.VoxelSize.X, math.Min(vol.VoxelSize.Y, vol.VoxelSize.Z))
	return &Viewer{volume: vol, palette: palette, unit: unit}
}

func (v *Viewer) colorOf(label float64) color.RGBA {
	id := int(math.Round(label))
	if id <= 0 {
		return color.RGBA{}
	}
	if c, ok := v.palette[id]; ok {
		return c
	}
	return color.RGBA{R: 128, G: 128, B: 128, A: 255}
}

// ExtractSlice extracts a 2D slice at position along the given axis:
// "x" gives a (z, y) image, "y" an (x, z) image and "z" an (x, y) image.
// Rows and columns are resampled to the physical voxel aspect.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	// u and w are the image axes; at maps image coordinates back to a voxel
	var nu, nw int
	var su, sw float64
	var at func(u, w int) float64
	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		nu, nw, su, sw = vol.Depth, vol.Height, vol.VoxelSize.Z, vol.VoxelSize.Y
		at = func(u, w int) float64 { return vol.At(position, w, u) }
	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		nu, nw, su, sw = vol.Width, vol.Depth, vol.VoxelSize.X, vol.VoxelSize.Z
		at = func(u, w int) float64 { return vol.At(u, position, w) }
	case "z", "Z":
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		nu, nw, su, sw = vol.Width, vol.Height, vol.VoxelSize.X, vol.VoxelSize.Y
		at = func(u, w int) float64 { return vol.At(u, w, position) }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	outW := int(math.Max(1, math.Round(float64(nu)*su/v.unit)))
	outH := int(math.Max(1, math.Round(float64(nw)*sw/v.unit)))
	img := image.NewRGBA(image.Rect(0, 0, outW, outH))
	for py := 0; py < outH; py++ {
		w := py * nw / outH
		for px := 0; px < outW; px++ {
			u := px * nu / outW
			img.SetRGBA(px, py, v.colorOf(at(u, w)))
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); err == nil {
			err = cerr
		}
	}()

	return png.Encode(file, img)
}

// SavePreviews writes the middle slice along each axis to
// outputDir/preview_{x,y,z}.png and returns the written paths.
func (v *Viewer) SavePreviews(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	vol := v.volume
	var paths []string
	for _, s := range []struct {
		axis string
		pos  int
	}{
		{"x", vol.Width / 2},
		{"y", vol.Height / 2},
		{"z", vol.Depth / 2},
	} {
		img, err := v.ExtractSlice(s.axis, s.pos)
		if err != nil {
			return nil, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("preview_%s.png", s.axis))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}

	return paths, nil
}
