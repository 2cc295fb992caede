package isosurface

import (
	"math"

	"github.com/unixpickle/model3d/model3d"

	"dentalscan/pkg/mesh"
	"dentalscan/pkg/volume"
)

// volumeSolid is the region of a volume at or above a threshold, in the
// spacing-scaled grid frame. Its bounds reach one voxel past the grid, and
// nothing outside the grid is contained, so every surface comes out closed.
type volumeSolid struct {
	v         *volume.Volume
	threshold float64
	extent    model3d.Coord3D
}

func newVolumeSolid(v *volume.Volume, threshold float64) *volumeSolid {
	return &volumeSolid{
		v:         v,
		threshold: threshold,
		extent: model3d.Coord3D{
			X: float64(v.Dims[0]-1) * v.Spacing.X,
			Y: float64(v.Dims[1]-1) * v.Spacing.Y,
			Z: float64(v.Dims[2]-1) * v.Spacing.Z,
		},
	}
}

func (s *volumeSolid) Min() model3d.Coord3D {
	return model3d.Coord3D{X: -s.v.Spacing.X, Y: -s.v.Spacing.Y, Z: -s.v.Spacing.Z}
}

func (s *volumeSolid) Max() model3d.Coord3D {
	return s.extent.Add(model3d.Coord3D{X: s.v.Spacing.X, Y: s.v.Spacing.Y, Z: s.v.Spacing.Z})
}

func (s *volumeSolid) Contains(c model3d.Coord3D) bool {
	if c.X < 0 || c.Y < 0 || c.Z < 0 || c.X > s.extent.X || c.Y > s.extent.Y || c.Z > s.extent.Z {
		return false
	}
	return s.v.Sample(c.X/s.v.Spacing.X, c.Y/s.v.Spacing.Y, c.Z/s.v.Spacing.Z) >= s.threshold
}

// extractSearch meshes the solid with model3d's marching cubes, refining
// every crossing by bisection on the trilinear field for iterations steps.
// The grid step is the finest voxel spacing.
func extractSearch(v *volume.Volume, threshold float64, iterations int) *mesh.Mesh {
	delta := math.Min(v.Spacing.X, math.Min(v.Spacing.Y, v.Spacing.Z))
	mm := model3d.MarchingCubesSearch(newVolumeSolid(v, threshold), delta, iterations)
	return mesh.FromModel3D(mm, mesh.Local)
}
