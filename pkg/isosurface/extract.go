package isosurface

import (
	"dentalscan/pkg/mesh"
	"dentalscan/pkg/volume"
)

// Options tune volume extraction.
type Options struct {
	// ClosedBoundary caps surfaces that reach the volume border
	ClosedBoundary bool

	// SearchIterations, when positive, meshes the trilinear field with
	// model3d's marching cubes instead, bisecting every crossing this many
	// times. Surfaces always come out capped at the border.
	SearchIterations int

	// Progress receives the completed fraction after every z layer
	Progress func(float64)
}

// Extract builds the iso-surface of v at threshold. Windowed volumes get
// their byte threshold clamped to [1, 254]. A threshold above every sample
// yields an empty mesh, not an error. Vertices are in the spacing-scaled
// grid frame (mesh.Local); v.PlacementTransform maps them to physical space.
func Extract(v *volume.Volume, threshold float64, opts Options) (*mesh.Mesh, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if v.Windowed {
		threshold = volume.ClampByteThreshold(threshold)
	}
	if _, hi := v.Range(); threshold > hi {
		if opts.Progress != nil {
			opts.Progress(1)
		}
		return mesh.New(mesh.Local), nil
	}

	if opts.SearchIterations > 0 {
		m := extractSearch(v, threshold, opts.SearchIterations)
		if opts.Progress != nil {
			opts.Progress(1)
		}
		return m, nil
	}

	mc := NewMarchingCubes(v.Data, v.Dims[0], v.Dims[1], v.Dims[2], threshold)
	mc.SetScale(v.Spacing.X, v.Spacing.Y, v.Spacing.Z)
	mc.SetClosedBoundary(opts.ClosedBoundary)
	return mc.ExtractWithProgress(opts.Progress), nil
}

// ExtractHU windows v to bytes with [wmin, wmax] and extracts the surface at
// the byte value that hu maps to.
func ExtractHU(v *volume.Volume, hu, wmin, wmax float64, opts Options) (*mesh.Mesh, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	w := volume.WindowToByte(v, wmin, wmax)
	return Extract(w, volume.HUToByte(hu, wmin, wmax), opts)
}
