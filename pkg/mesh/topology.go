package mesh

import (
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Edge is an undirected edge with A < B.
type Edge struct {
	A, B int
}

// MakeEdge orders the endpoints.
func MakeEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{a, b}
}

// HalfEdge is a directed edge as it appears in a triangle's winding.
type HalfEdge struct {
	From, To int
}

// EdgeFaces maps every undirected edge to the triangles that use it.
func (m *Mesh) EdgeFaces() map[Edge][]int {
	out := make(map[Edge][]int, len(m.Triangles)*3/2)
	for i, t := range m.Triangles {
		for k := 0; k < 3; k++ {
			e := MakeEdge(t[k], t[(k+1)%3])
			out[e] = append(out[e], i)
		}
	}
	return out
}

// IsClosed reports whether every edge is shared by exactly two triangles.
func (m *Mesh) IsClosed() bool {
	if len(m.Triangles) == 0 {
		return false
	}
	for _, faces := range m.EdgeFaces() {
		if len(faces) != 2 {
			return false
		}
	}
	return true
}

// IsConsistentlyOriented reports whether no directed edge appears twice.
func (m *Mesh) IsConsistentlyOriented() bool {
	seen := make(map[HalfEdge]bool, len(m.Triangles)*3)
	for _, t := range m.Triangles {
		for k := 0; k < 3; k++ {
			h := HalfEdge{t[k], t[(k+1)%3]}
			if seen[h] {
				return false
			}
			seen[h] = true
		}
	}
	return true
}

// EulerCharacteristic returns V - E + F over the referenced vertices.
func (m *Mesh) EulerCharacteristic() int {
	used := make(map[int]struct{}, len(m.Vertices))
	for _, t := range m.Triangles {
		for _, v := range t {
			used[v] = struct{}{}
		}
	}
	return len(used) - len(m.EdgeFaces()) + len(m.Triangles)
}

// BoundaryHalfEdges returns the directed edges whose twin is missing.
func (m *Mesh) BoundaryHalfEdges() []HalfEdge {
	present := make(map[HalfEdge]bool, len(m.Triangles)*3)
	for _, t := range m.Triangles {
		for k := 0; k < 3; k++ {
			present[HalfEdge{t[k], t[(k+1)%3]}] = true
		}
	}
	var out []HalfEdge
	for _, t := range m.Triangles {
		for k := 0; k < 3; k++ {
			h := HalfEdge{t[k], t[(k+1)%3]}
			if !present[HalfEdge{h.To, h.From}] {
				out = append(out, h)
			}
		}
	}
	return out
}

// BoundaryVertices marks vertices that lie on at least one boundary edge.
func (m *Mesh) BoundaryVertices() []bool {
	out := make([]bool, len(m.Vertices))
	for _, h := range m.BoundaryHalfEdges() {
		out[h.From] = true
		out[h.To] = true
	}
	return out
}

// BoundaryLoops chains boundary half-edges into closed vertex loops. Each
// loop follows the winding of its adjacent triangles, so the hole lies to
// the right when walking it. Vertices with several outgoing boundary edges
// are resolved by taking the first unused one.
func (m *Mesh) BoundaryLoops() [][]int {
	halves := m.BoundaryHalfEdges()
	next := make(map[int][]int, len(halves))
	for _, h := range halves {
		next[h.From] = append(next[h.From], h.To)
	}
	used := make(map[HalfEdge]bool, len(halves))

	var loops [][]int
	for _, h := range halves {
		if used[h] {
			continue
		}
		loop := []int{h.From}
		used[h] = true
		cur := h.To
		for cur != h.From {
			loop = append(loop, cur)
			found := false
			for _, to := range next[cur] {
				e := HalfEdge{cur, to}
				if !used[e] {
					used[e] = true
					cur = to
					found = true
					break
				}
			}
			if !found {
				// open chain on a non-manifold boundary
				loop = nil
				break
			}
		}
		if len(loop) >= 3 {
			loops = append(loops, loop)
		}
	}
	return loops
}

// VertexNeighbors returns the one-ring of every vertex.
func (m *Mesh) VertexNeighbors() [][]int {
	out := make([][]int, len(m.Vertices))
	for e := range m.EdgeFaces() {
		out[e.A] = append(out[e.A], e.B)
		out[e.B] = append(out[e.B], e.A)
	}
	return out
}

// Stats summarizes a mesh for logging.
type Stats struct {
	Vertices       int
	Triangles      int
	Area           float64
	MeanEdgeLength float64
	BoundaryEdges  int
	Closed         bool
	// SingularVertices counts pinch points where surface sheets touch
	SingularVertices int
}

// ComputeStats gathers Stats for m.
func (m *Mesh) ComputeStats() Stats {
	edges := m.EdgeFaces()
	lengths := make([]float64, 0, len(edges))
	boundary, nonManifold := 0, 0
	for e, faces := range edges {
		lengths = append(lengths, r3.Norm(r3.Sub(m.Vertices[e.A], m.Vertices[e.B])))
		switch {
		case len(faces) == 1:
			boundary++
		case len(faces) > 2:
			nonManifold++
		}
	}
	s := Stats{
		Vertices:      len(m.Vertices),
		Triangles:     len(m.Triangles),
		Area:          m.Area(),
		BoundaryEdges: boundary,
		Closed:        len(m.Triangles) > 0 && boundary == 0 && nonManifold == 0,
	}
	if len(lengths) > 0 {
		s.MeanEdgeLength = stat.Mean(lengths, nil)
	}
	s.SingularVertices = len(m.SingularVertices())
	return s
}
