// Package visualization renders axis-aligned slices of a scan as 8-bit
// grayscale images.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"dentalscan/pkg/progress"
	"dentalscan/pkg/volume"
)

// StageSlices is the progress stage name used by SaveSliceSequence.
const StageSlices = "slices"

// Viewer extracts slices from a windowed volume.
type Viewer struct {
	// vol holds byte values in 0..255
	vol *volume.Volume

	// flip mirrors every slice vertically, so that row 0 of the image is
	// the last row of the grid
	flip bool

	// workers bounds the concurrent PNG writers
	workers int
}

// NewViewer creates a viewer over v. Raw volumes are windowed with
// [wmin, wmax] first; already windowed volumes are used as they are.
func NewViewer(v *volume.Volume, wmin, wmax float64) (*Viewer, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if !v.Windowed {
		v = volume.WindowToByte(v, wmin, wmax)
	}
	return &Viewer{vol: v, workers: runtime.NumCPU()}, nil
}

// SetFlip enables vertical mirroring of extracted slices.
func (v *Viewer) SetFlip(flip bool) {
	v.flip = flip
}

// SetWorkers sets how many slices SaveSliceSequence writes concurrently.
func (v *Viewer) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	v.workers = n
}

// Volume returns the windowed volume behind the viewer.
func (v *Viewer) Volume() *volume.Volume {
	return v.vol
}

// sliceCount returns how many slices lie along axis.
func (v *Viewer) sliceCount(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.vol.Dims[0], nil
	case "y", "Y":
		return v.vol.Dims[1], nil
	case "z", "Z":
		return v.vol.Dims[2], nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

func toGray(b float64) color.Gray {
	return color.Gray{Y: uint8(math.Max(0, math.Min(255, math.Round(b))))}
}

// ExtractSlice extracts a 2D slice perpendicular to the given axis.
// X slices are laid out as (z, y), Y slices as (x, z) and Z slices as (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	n, err := v.sliceCount(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= n {
		return nil, fmt.Errorf("position %d outside [0,%d) along %s", position, n, axis)
	}

	nx, ny, nz := v.vol.Dims[0], v.vol.Dims[1], v.vol.Dims[2]
	var img *image.Gray
	switch axis {
	case "x", "X":
		img = image.NewGray(image.Rect(0, 0, nz, ny))
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				img.SetGray(z, v.row(y, ny), toGray(v.vol.At(position, y, z)))
			}
		}
	case "y", "Y":
		img = image.NewGray(image.Rect(0, 0, nx, nz))
		for z := 0; z < nz; z++ {
			for x := 0; x < nx; x++ {
				img.SetGray(x, v.row(z, nz), toGray(v.vol.At(x, position, z)))
			}
		}
	default:
		img = image.NewGray(image.Rect(0, 0, nx, ny))
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				img.SetGray(x, v.row(y, ny), toGray(v.vol.At(x, y, position)))
			}
		}
	}
	return img, nil
}

func (v *Viewer) row(r, n int) int {
	if v.flip {
		return n - 1 - r
	}
	return r
}

// ExtractRegion copies a voxel box out of the windowed volume.
func (v *Viewer) ExtractRegion(r volume.Region) (*volume.Volume, error) {
	return volume.Crop(v.vol, r)
}

// SaveSlice writes img as a PNG file.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "error creating slice image")
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return errors.Wrapf(err, "error encoding %s", filename)
	}
	return file.Close()
}

// SliceFilename is the name of slice i in a saved sequence.
func SliceFilename(i int) string {
	return fmt.Sprintf("img_%04d.png", i)
}

// SaveSliceSequence writes every slice along axis into outputDir as
// img_0000.png, img_0001.png, ... Each worker writes its own files. The
// reporter must be safe for concurrent use. It returns the number of slices
// written.
func (v *Viewer) SaveSliceSequence(ctx context.Context, axis string, outputDir string, reporter progress.Reporter) (int, error) {
	n, err := v.sliceCount(axis)
	if err != nil {
		return 0, err
	}
	if reporter == nil {
		reporter = progress.Nop
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, errors.Wrap(err, "error creating slice directory")
	}

	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)

	for pos := 0; pos < n; pos++ {
		pos := pos
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := v.ExtractSlice(axis, pos)
			if err != nil {
				return err
			}
			if err := SaveSlice(img, filepath.Join(outputDir, SliceFilename(pos))); err != nil {
				return err
			}
			reporter.Report(StageSlices, float64(written.Add(1))/float64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return n, nil
}
