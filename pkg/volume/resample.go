package volume

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// ResizePolicy decides when ResizeIfNeeded resamples a volume.
type ResizePolicy int

const (
	// ResizeNever keeps the source grid
	ResizeNever ResizePolicy = iota
	// ResizeDownsample resamples when some spacing is finer than the target
	ResizeDownsample
	// ResizeUpsample resamples when some spacing is coarser than the target
	ResizeUpsample
	// ResizeAlways resamples whenever the spacing differs from the target
	ResizeAlways
)

var resizePolicyNames = map[ResizePolicy]string{
	ResizeNever:      "never",
	ResizeDownsample: "downsample",
	ResizeUpsample:   "upsample",
	ResizeAlways:     "always",
}

func (p ResizePolicy) String() string {
	if s, ok := resizePolicyNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParseResizePolicy converts a policy name back to its value.
func ParseResizePolicy(s string) (ResizePolicy, error) {
	for p, name := range resizePolicyNames {
		if name == s {
			return p, nil
		}
	}
	return ResizeNever, errors.Errorf("unknown resize policy %q", s)
}

// ResampledDims returns the grid size that covers v at the target spacing.
func ResampledDims(v *Volume, target r3.Vec) [3]int {
	cur := [3]float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z}
	tgt := [3]float64{target.X, target.Y, target.Z}
	var dims [3]int
	for a := 0; a < 3; a++ {
		n := int(math.Round(float64(v.Dims[a]) * cur[a] / tgt[a]))
		if n < 1 {
			n = 1
		}
		dims[a] = n
	}
	return dims
}

// Resample trilinearly interpolates v onto a grid with the target spacing.
// The origin and direction are kept.
func Resample(v *Volume, target r3.Vec) (*Volume, error) {
	if !(target.X > 0 && target.Y > 0 && target.Z > 0) {
		return nil, errors.Wrapf(ErrInvalidVolume, "target spacing %v must be positive", target)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	dims := ResampledDims(v, target)
	out := &Volume{
		Dims:      dims,
		Spacing:   target,
		Origin:    v.Origin,
		Direction: v.Direction,
		Data:      make([]float64, dims[0]*dims[1]*dims[2]),
		Windowed:  v.Windowed,
	}
	sx := target.X / v.Spacing.X
	sy := target.Y / v.Spacing.Y
	sz := target.Z / v.Spacing.Z
	for z := 0; z < dims[2]; z++ {
		fz := float64(z) * sz
		for y := 0; y < dims[1]; y++ {
			fy := float64(y) * sy
			for x := 0; x < dims[0]; x++ {
				out.Data[out.Index(x, y, z)] = v.Sample(float64(x)*sx, fy, fz)
			}
		}
	}
	return out, nil
}

// Sample trilinearly interpolates v at continuous voxel coordinates,
// clamping to the grid.
func (v *Volume) Sample(fx, fy, fz float64) float64 {
	x0, x1, tx := bracket(fx, v.Dims[0])
	y0, y1, ty := bracket(fy, v.Dims[1])
	z0, z1, tz := bracket(fz, v.Dims[2])

	c00 := lerp(v.At(x0, y0, z0), v.At(x1, y0, z0), tx)
	c10 := lerp(v.At(x0, y1, z0), v.At(x1, y1, z0), tx)
	c01 := lerp(v.At(x0, y0, z1), v.At(x1, y0, z1), tx)
	c11 := lerp(v.At(x0, y1, z1), v.At(x1, y1, z1), tx)
	return lerp(lerp(c00, c10, ty), lerp(c01, c11, ty), tz)
}

func bracket(f float64, n int) (i0, i1 int, t float64) {
	if f <= 0 || n == 1 {
		return 0, 0, 0
	}
	if f >= float64(n-1) {
		return n - 1, n - 1, 0
	}
	i0 = int(math.Floor(f))
	return i0, i0 + 1, f - float64(i0)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// NeedsResize reports whether the policy asks for resampling v to target.
func NeedsResize(v *Volume, target r3.Vec, policy ResizePolicy) bool {
	cur := [3]float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z}
	tgt := [3]float64{target.X, target.Y, target.Z}
	for a := 0; a < 3; a++ {
		switch policy {
		case ResizeDownsample:
			if cur[a] < tgt[a] {
				return true
			}
		case ResizeUpsample:
			if cur[a] > tgt[a] {
				return true
			}
		case ResizeAlways:
			if cur[a] != tgt[a] {
				return true
			}
		}
	}
	return false
}

// ResizeIfNeeded resamples v to the target spacing when the policy asks for
// it. With maxVoxels > 0 the target is relaxed isotropically until the
// resampled grid fits. The boolean reports whether v was resampled.
func ResizeIfNeeded(v *Volume, target r3.Vec, policy ResizePolicy, maxVoxels int) (*Volume, bool, error) {
	if !NeedsResize(v, target, policy) {
		return v, false, nil
	}
	if maxVoxels > 0 {
		for {
			d := ResampledDims(v, target)
			count := d[0] * d[1] * d[2]
			if count <= maxVoxels {
				break
			}
			f := math.Cbrt(float64(count) / float64(maxVoxels))
			// rounding can keep count above the limit, always make progress
			if f < 1.01 {
				f = 1.01
			}
			target = r3.Scale(f, target)
		}
	}
	out, err := Resample(v, target)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
