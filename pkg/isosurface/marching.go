// Package isosurface extracts triangle meshes from scalar volumes with the
// marching cubes algorithm.
package isosurface

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/mesh"
)

// MarchingCubes extracts the iso-surface of a scalar grid. Samples at or
// above the iso-level are inside; the resulting triangles wind so their
// normals point towards lower values.
type MarchingCubes struct {
	data                 []float64
	width, height, depth int
	isoLevel             float64
	scale                r3.Vec

	// closedBoundary pads the grid with an outside value so surfaces
	// touching the border are capped
	closedBoundary bool
	padValue       float64
}

// NewMarchingCubes creates an extractor over data laid out x fastest.
func NewMarchingCubes(data []float64, width, height, depth int, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		data:     data,
		width:    width,
		height:   height,
		depth:    depth,
		isoLevel: isoLevel,
		scale:    r3.Vec{X: 1, Y: 1, Z: 1},
	}
}

// SetScale sets the physical size of a voxel along each axis.
func (mc *MarchingCubes) SetScale(x, y, z float64) {
	mc.scale = r3.Vec{X: x, Y: y, Z: z}
}

// SetClosedBoundary controls whether the surface is capped at the grid border.
func (mc *MarchingCubes) SetClosedBoundary(closed bool) {
	mc.closedBoundary = closed
	if closed && len(mc.data) > 0 {
		mc.padValue = math.Min(floats.Min(mc.data), mc.isoLevel) - 1
	}
}

func (mc *MarchingCubes) value(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= mc.width || y >= mc.height || z >= mc.depth {
		return mc.padValue
	}
	return mc.data[x+mc.width*(y+mc.height*z)]
}

// Extract runs the algorithm and returns an indexed mesh in the scaled grid
// frame. Vertices on shared cube edges are shared between triangles.
func (mc *MarchingCubes) Extract() *mesh.Mesh {
	return mc.ExtractWithProgress(nil)
}

// ExtractWithProgress is Extract with a per-layer callback receiving the
// completed fraction.
func (mc *MarchingCubes) ExtractWithProgress(progress func(float64)) *mesh.Mesh {
	out := mesh.New(mesh.Local)
	if mc.width < 1 || mc.height < 1 || mc.depth < 1 || len(mc.data) < mc.width*mc.height*mc.depth {
		return out
	}

	// cube origins run over [lo, hi) on every axis
	lo, pad := 0, 0
	if mc.closedBoundary {
		lo, pad = -1, 1
	}
	hiX, hiY, hiZ := mc.width-1+pad, mc.height-1+pad, mc.depth-1+pad

	// edge keys use grid coordinates shifted by pad so they are never negative;
	// crossings that land on a sample use the negative key of that sample so
	// every edge meeting there shares one vertex
	nx, ny := mc.width+2*pad, mc.height+2*pad
	gridKey := func(p [3]int) int {
		return ((p[2]+pad)*ny+(p[1]+pad))*nx + (p[0] + pad)
	}
	vertexOf := make(map[int]int)

	var corner [8]float64
	var cornerPos [8][3]int
	var edgeVertex [12]int
	edgeVertexOf := func(e int) int {
		if edgeVertex[e] < 0 {
			ce := cubeEdges[e]
			p0, p1 := cornerPos[ce.from], cornerPos[ce.to]
			t := mc.crossing(corner[ce.from], corner[ce.to])
			var key int
			switch t {
			case 0:
				key = -gridKey(p0) - 1
			case 1:
				key = -gridKey(p1) - 1
			default:
				key = gridKey(p0)*3 + ce.axis
			}
			vi, ok := vertexOf[key]
			if !ok {
				vi = out.AddVertex(mc.lerp(p0, p1, t))
				vertexOf[key] = vi
			}
			edgeVertex[e] = vi
		}
		return edgeVertex[e]
	}
	collapsed := 0
	for z := lo; z < hiZ; z++ {
		for y := lo; y < hiY; y++ {
			for x := lo; x < hiX; x++ {
				cubeIndex := 0
				for c := 0; c < 8; c++ {
					p := [3]int{x + c&1, y + c>>1&1, z + c>>2&1}
					cornerPos[c] = p
					corner[c] = mc.value(p[0], p[1], p[2])
					if corner[c] >= mc.isoLevel {
						cubeIndex |= 1 << c
					}
				}
				tris := caseTable[cubeIndex]
				if len(tris) == 0 {
					continue
				}
				for i := range edgeVertex {
					edgeVertex[i] = -1
				}
				for _, tri := range tris {
					a, b, c := edgeVertexOf(tri[0]), edgeVertexOf(tri[1]), edgeVertexOf(tri[2])
					// two crossings on the same sample leave no area
					if a == b || b == c || a == c {
						collapsed++
						continue
					}
					out.AddTriangle(a, b, c)
				}
			}
		}
		if progress != nil {
			progress(float64(z-lo+1) / float64(hiZ-lo))
		}
	}
	if collapsed > 0 {
		out.Compact()
	}
	return out
}

// crossing returns where the iso-level lies between samples v0 and v1, as a
// fraction of the edge. It is exactly 0 or 1 when a sample equals the level.
func (mc *MarchingCubes) crossing(v0, v1 float64) float64 {
	switch {
	case v0 == mc.isoLevel:
		return 0
	case v1 == mc.isoLevel:
		return 1
	case v0 == v1:
		return 0.5
	}
	t := (mc.isoLevel - v0) / (v1 - v0)
	return math.Max(0, math.Min(1, t))
}

// lerp places the point at fraction t along the edge p0-p1 and scales it.
func (mc *MarchingCubes) lerp(p0, p1 [3]int, t float64) r3.Vec {
	return r3.Vec{
		X: (float64(p0[0]) + t*float64(p1[0]-p0[0])) * mc.scale.X,
		Y: (float64(p0[1]) + t*float64(p1[1]-p0[1])) * mc.scale.Y,
		Z: (float64(p0[2]) + t*float64(p1[2]-p0[2])) * mc.scale.Z,
	}
}
