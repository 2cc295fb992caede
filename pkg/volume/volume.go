// Package volume holds the ScalarVolume type: a regular 3D grid of scalar
// samples with physical placement, plus the windowing, resampling and I/O
// operations the extraction pipeline needs.
package volume

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/internal/models"
	"dentalscan/pkg/geom"
)

// ErrInvalidVolume is returned for volumes with impossible geometry or data.
var ErrInvalidVolume = errors.New("invalid volume")

// Volume is a scalar field sampled on a regular grid. Voxel (x, y, z) is
// stored at Data[x + nx*(y + ny*z)].
type Volume struct {
	// Dims is the number of voxels along x, y and z
	Dims [3]int

	// Spacing is the physical voxel size in mm
	Spacing r3.Vec

	// Origin is the physical position of voxel (0,0,0)
	Origin r3.Vec

	// Direction maps the grid axes onto physical axes; columns are unit vectors
	Direction geom.Mat3

	Data []float64

	// Windowed is set once the data has been mapped to the 0..255 byte range
	Windowed bool
}

// New allocates a zero-filled volume.
func New(dims [3]int, spacing, origin r3.Vec, direction geom.Mat3) (*Volume, error) {
	v := &Volume{
		Dims:      dims,
		Spacing:   spacing,
		Origin:    origin,
		Direction: direction,
	}
	if err := v.validateGeometry(); err != nil {
		return nil, err
	}
	v.Data = make([]float64, dims[0]*dims[1]*dims[2])
	return v, nil
}

// FromData wraps existing samples with unit spacing, zero origin and
// identity direction.
func FromData(data []float64, nx, ny, nz int) (*Volume, error) {
	v := &Volume{
		Dims:      [3]int{nx, ny, nz},
		Spacing:   r3.Vec{X: 1, Y: 1, Z: 1},
		Direction: geom.Identity3(),
		Data:      data,
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *Volume) validateGeometry() error {
	if err := v.validateGeometryErrors(); err != nil {
		return errors.Wrap(ErrInvalidVolume, err.Error())
	}
	return nil
}

// validateGeometryErrors collects every geometry problem into one multierr error.
func (v *Volume) validateGeometryErrors() error {
	var err error
	for i, n := range v.Dims {
		if n <= 0 {
			err = multierr.Append(err, fmt.Errorf("dimension %d is %d, must be positive", i, n))
		}
	}
	for i, s := range []float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z} {
		if !(s > 0) {
			err = multierr.Append(err, fmt.Errorf("spacing %d is %g, must be positive", i, s))
		}
	}
	if d := v.Direction.Det(); d == 0 {
		err = multierr.Append(err, errors.New("direction matrix is singular"))
	}
	return err
}

// Validate reports every geometry or data problem of v at once.
func (v *Volume) Validate() error {
	err := v.validateGeometry()
	if err == nil {
		if want := v.Len(); len(v.Data) != want {
			return errors.Wrapf(ErrInvalidVolume, "data has %d samples, dims require %d", len(v.Data), want)
		}
	}
	return err
}

// Len returns the number of voxels the dims describe.
func (v *Volume) Len() int {
	return v.Dims[0] * v.Dims[1] * v.Dims[2]
}

// Index returns the linear index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the sample at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a sample at (x, y, z).
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Range returns the minimum and maximum sample.
func (v *Volume) Range() (lo, hi float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]float64, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// PlacementTransform maps spacing-scaled grid coordinates, the coordinates
// extracted meshes are produced in, to physical space.
func (v *Volume) PlacementTransform() geom.Mat4 {
	return geom.Translate(v.Origin).Mul(geom.FromRotation(v.Direction, r3.Vec{}))
}

// IndexToPhysical maps continuous voxel indices to physical space.
func (v *Volume) IndexToPhysical() geom.Mat4 {
	return v.PlacementTransform().Mul(geom.Scale(v.Spacing))
}

// Center returns the physical midpoint between the first and last voxel.
func (v *Volume) Center() r3.Vec {
	half := r3.Vec{
		X: float64(v.Dims[0]-1) / 2,
		Y: float64(v.Dims[1]-1) / 2,
		Z: float64(v.Dims[2]-1) / 2,
	}
	return v.IndexToPhysical().Apply(half)
}

// Metadata summarizes v together with the given patient tags.
func (v *Volume) Metadata(tags models.PatientTags) models.VolumeMetadata {
	c := v.Center()
	lo, hi := v.Range()
	return models.VolumeMetadata{
		Dims:      v.Dims,
		Spacing:   [3]float64{v.Spacing.X, v.Spacing.Y, v.Spacing.Z},
		Origin:    [3]float64{v.Origin.X, v.Origin.Y, v.Origin.Z},
		Direction: v.Direction,
		Center:    [3]float64{c.X, c.Y, c.Z},
		Transform: geom.FromRotation(v.Direction, c),
		MinValue:  lo,
		MaxValue:  hi,
		Tags:      tags,
	}
}

// Region is a half-open voxel box [Min, Max).
type Region struct {
	Min [3]int `yaml:"min"`
	Max [3]int `yaml:"max"`
}

// Empty reports whether r selects nothing, which callers treat as "no crop".
func (r Region) Empty() bool {
	return r.Max == [3]int{}
}

// Crop copies the voxels inside r into a new volume whose origin is moved so
// that every kept voxel keeps its physical position.
func Crop(v *Volume, r Region) (*Volume, error) {
	var err error
	for a := 0; a < 3; a++ {
		if r.Min[a] < 0 || r.Max[a] > v.Dims[a] || r.Min[a] >= r.Max[a] {
			err = multierr.Append(err, fmt.Errorf("axis %d range [%d,%d) outside [0,%d)", a, r.Min[a], r.Max[a], v.Dims[a]))
		}
	}
	if err != nil {
		return nil, errors.Wrap(ErrInvalidVolume, err.Error())
	}

	dims := [3]int{r.Max[0] - r.Min[0], r.Max[1] - r.Min[1], r.Max[2] - r.Min[2]}
	start := r3.Vec{X: float64(r.Min[0]), Y: float64(r.Min[1]), Z: float64(r.Min[2])}
	out := &Volume{
		Dims:      dims,
		Spacing:   v.Spacing,
		Origin:    v.IndexToPhysical().Apply(start),
		Direction: v.Direction,
		Data:      make([]float64, dims[0]*dims[1]*dims[2]),
		Windowed:  v.Windowed,
	}
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			src := v.Index(r.Min[0], r.Min[1]+y, r.Min[2]+z)
			dst := out.Index(0, y, z)
			copy(out.Data[dst:dst+dims[0]], v.Data[src:src+dims[0]])
		}
	}
	return out, nil
}
