package simplify

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/mesh"
)

// FillHoles closes boundary loops with at most maxEdges edges (all loops
// when maxEdges <= 0) and returns how many were filled. Each hole is
// triangulated by minimum total area over all triangulations of the loop,
// wound to match the surrounding surface.
func FillHoles(m *mesh.Mesh, maxEdges int, progress func(float64)) int {
	loops := m.BoundaryLoops()
	filled := 0
	for i, loop := range loops {
		if maxEdges <= 0 || len(loop) <= maxEdges {
			for _, t := range minAreaTriangulation(m.Vertices, loop) {
				m.AddTriangle(t[0], t[1], t[2])
			}
			filled++
		}
		if progress != nil {
			progress(float64(i+1) / float64(len(loops)))
		}
	}
	if progress != nil && len(loops) == 0 {
		progress(1)
	}
	return filled
}

// minAreaTriangulation runs the O(n³) dynamic program over polygon
// sub-chains: cost[i][j] is the least area that triangulates loop[i..j].
func minAreaTriangulation(verts []r3.Vec, loop []int) [][3]int {
	n := len(loop)
	if n < 3 {
		return nil
	}
	area := func(i, k, j int) float64 {
		a, b, c := verts[loop[i]], verts[loop[k]], verts[loop[j]]
		return r3.Norm(r3.Cross(r3.Sub(b, a), r3.Sub(c, a))) / 2
	}

	cost := make([][]float64, n)
	split := make([][]int, n)
	for i := range cost {
		cost[i] = make([]float64, n)
		split[i] = make([]int, n)
	}
	for gap := 2; gap < n; gap++ {
		for i := 0; i+gap < n; i++ {
			j := i + gap
			cost[i][j] = math.Inf(1)
			for k := i + 1; k < j; k++ {
				c := cost[i][k] + cost[k][j] + area(i, k, j)
				if c < cost[i][j] {
					cost[i][j] = c
					split[i][j] = k
				}
			}
		}
	}

	tris := make([][3]int, 0, n-2)
	var emit func(i, j int)
	emit = func(i, j int) {
		if j-i < 2 {
			return
		}
		k := split[i][j]
		// the loop runs along the existing triangles' winding, so the patch
		// traverses it backwards
		tris = append(tris, [3]int{loop[j], loop[k], loop[i]})
		emit(i, k)
		emit(k, j)
	}
	emit(0, n-1)
	return tris
}
