package simplify

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/mesh"
)

// SmoothOptions configure Laplacian relaxation.
type SmoothOptions struct {
	Iterations int
	// Relaxation is the fraction of the way each vertex moves towards the
	// mean of its neighbors per iteration
	Relaxation float64
	// FeatureAngle in degrees; edges whose faces meet at a sharper angle
	// constrain smoothing
	FeatureAngle float64
}

// DefaultSmoothOptions returns 5 iterations at 0.05 with a 45 degree feature angle.
func DefaultSmoothOptions() SmoothOptions {
	return SmoothOptions{Iterations: 5, Relaxation: 0.05, FeatureAngle: 45}
}

// Smooth relaxes vertex positions of m in place. Vertices on exactly two
// feature or boundary edges slide along those edges only, unless the edges
// turn by more than the feature angle; vertices on any other number of them
// are corners and stay fixed.
func Smooth(m *mesh.Mesh, opts SmoothOptions, progress func(float64)) {
	if opts.Iterations <= 0 || opts.Relaxation == 0 || len(m.Triangles) == 0 {
		if progress != nil {
			progress(1)
		}
		return
	}
	neighbors := smoothingNeighbors(m, math.Cos(opts.FeatureAngle*math.Pi/180))

	next := make([]r3.Vec, len(m.Vertices))
	for it := 0; it < opts.Iterations; it++ {
		for v, p := range m.Vertices {
			ns := neighbors[v]
			if len(ns) == 0 {
				next[v] = p
				continue
			}
			var mean r3.Vec
			for _, u := range ns {
				mean = r3.Add(mean, m.Vertices[u])
			}
			mean = r3.Scale(1/float64(len(ns)), mean)
			next[v] = r3.Add(p, r3.Scale(opts.Relaxation, r3.Sub(mean, p)))
		}
		copy(m.Vertices, next)
		if progress != nil {
			progress(float64(it+1) / float64(opts.Iterations))
		}
	}
}

// smoothingNeighbors returns, per vertex, the neighbors it is relaxed towards.
// A nil entry means the vertex is fixed.
func smoothingNeighbors(m *mesh.Mesh, featureCos float64) [][]int {
	normals := make([]r3.Vec, len(m.Triangles))
	for i := range m.Triangles {
		normals[i] = m.UnitNormal(i)
	}

	all := make([][]int, len(m.Vertices))
	feature := make([][]int, len(m.Vertices))
	for e, faces := range m.EdgeFaces() {
		all[e.A] = append(all[e.A], e.B)
		all[e.B] = append(all[e.B], e.A)

		sharp := len(faces) != 2 || r3.Dot(normals[faces[0]], normals[faces[1]]) < featureCos
		if sharp {
			feature[e.A] = append(feature[e.A], e.B)
			feature[e.B] = append(feature[e.B], e.A)
		}
	}

	out := make([][]int, len(m.Vertices))
	for v := range m.Vertices {
		switch len(feature[v]) {
		case 0:
			out[v] = all[v]
		case 2:
			// a sharp turn between the two feature edges is a corner too
			a, b := m.Vertices[feature[v][0]], m.Vertices[feature[v][1]]
			dirIn := r3.Unit(r3.Sub(m.Vertices[v], a))
			dirOut := r3.Unit(r3.Sub(b, m.Vertices[v]))
			if r3.Dot(dirIn, dirOut) >= featureCos {
				out[v] = feature[v]
			}
		}
	}
	return out
}
