// Package mesh holds the indexed triangle mesh produced by iso-surface
// extraction and consumed by simplification, registration and STL export.
package mesh

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
)

// ErrInvalidMesh is returned for meshes whose triangles reference missing vertices.
var ErrInvalidMesh = errors.New("invalid mesh")

// Space tells which coordinate frame the vertices are expressed in.
type Space int

const (
	// Local is the spacing-scaled grid frame of the source volume
	Local Space = iota
	// Physical is the scanner frame after the placement transform
	Physical
)

func (s Space) String() string {
	if s == Physical {
		return "physical"
	}
	return "local"
}

// Mesh is an indexed triangle mesh. Triangles are wound counter-clockwise
// when seen from outside.
type Mesh struct {
	Vertices  []r3.Vec
	Triangles [][3]int
	Space     Space
}

// New returns an empty mesh in the given space.
func New(space Space) *Mesh {
	return &Mesh{Space: space}
}

// AddVertex appends a vertex and returns its index.
func (m *Mesh) AddVertex(p r3.Vec) int {
	m.Vertices = append(m.Vertices, p)
	return len(m.Vertices) - 1
}

// AddTriangle appends a triangle.
func (m *Mesh) AddTriangle(a, b, c int) {
	m.Triangles = append(m.Triangles, [3]int{a, b, c})
}

// NumTriangles returns the number of triangles.
func (m *Mesh) NumTriangles() int {
	return len(m.Triangles)
}

// Empty reports whether the mesh has no triangles.
func (m *Mesh) Empty() bool {
	return len(m.Triangles) == 0
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices:  make([]r3.Vec, len(m.Vertices)),
		Triangles: make([][3]int, len(m.Triangles)),
		Space:     m.Space,
	}
	copy(out.Vertices, m.Vertices)
	copy(out.Triangles, m.Triangles)
	return out
}

// Validate checks that every triangle references three distinct existing vertices.
func (m *Mesh) Validate() error {
	n := len(m.Vertices)
	for i, t := range m.Triangles {
		for _, v := range t {
			if v < 0 || v >= n {
				return errors.Wrapf(ErrInvalidMesh, "triangle %d references vertex %d of %d", i, v, n)
			}
		}
		if t[0] == t[1] || t[1] == t[2] || t[0] == t[2] {
			return errors.Wrapf(ErrInvalidMesh, "triangle %d repeats a vertex", i)
		}
	}
	return nil
}

// TriangleNormal returns the unnormalized normal of triangle i; its length is
// twice the triangle area.
func (m *Mesh) TriangleNormal(i int) r3.Vec {
	t := m.Triangles[i]
	a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
	return r3.Cross(r3.Sub(b, a), r3.Sub(c, a))
}

// UnitNormal returns the unit normal of triangle i, zero for degenerate triangles.
func (m *Mesh) UnitNormal(i int) r3.Vec {
	n := m.TriangleNormal(i)
	l := r3.Norm(n)
	if l == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/l, n)
}

// VertexNormals returns area-weighted unit normals per vertex.
func (m *Mesh) VertexNormals() []r3.Vec {
	out := make([]r3.Vec, len(m.Vertices))
	for i, t := range m.Triangles {
		n := m.TriangleNormal(i)
		for _, v := range t {
			out[v] = r3.Add(out[v], n)
		}
	}
	for i, n := range out {
		if l := r3.Norm(n); l > 0 {
			out[i] = r3.Scale(1/l, n)
		}
	}
	return out
}

// Area returns the total surface area.
func (m *Mesh) Area() float64 {
	var a float64
	for i := range m.Triangles {
		a += r3.Norm(m.TriangleNormal(i)) / 2
	}
	return a
}

// SignedVolume returns the enclosed volume; positive for outward winding of
// a closed mesh.
func (m *Mesh) SignedVolume() float64 {
	var v float64
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		v += r3.Dot(a, r3.Cross(b, c))
	}
	return v / 6
}

// Bounds returns the axis-aligned bounding box of the referenced vertices.
func (m *Mesh) Bounds() (lo, hi r3.Vec) {
	lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, t := range m.Triangles {
		for _, v := range t {
			p := m.Vertices[v]
			lo = r3.Vec{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
			hi = r3.Vec{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
		}
	}
	return lo, hi
}

// Centroid returns the mean of all vertices.
func (m *Mesh) Centroid() r3.Vec {
	var c r3.Vec
	if len(m.Vertices) == 0 {
		return c
	}
	for _, p := range m.Vertices {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(m.Vertices)), c)
}

// Transform applies t to every vertex in place and moves the mesh into space.
// Mirroring transforms flip the winding so normals keep pointing outward.
func (m *Mesh) Transform(t geom.Mat4, space Space) {
	for i, p := range m.Vertices {
		m.Vertices[i] = t.Apply(p)
	}
	if t.Linear().Det() < 0 {
		for i, tri := range m.Triangles {
			m.Triangles[i] = [3]int{tri[0], tri[2], tri[1]}
		}
	}
	m.Space = space
}

// Compact drops degenerate triangles and unreferenced vertices, renumbering
// the rest in order of first use.
func (m *Mesh) Compact() {
	remap := make([]int, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	verts := make([]r3.Vec, 0, len(m.Vertices))
	tris := m.Triangles[:0]
	for _, t := range m.Triangles {
		if t[0] == t[1] || t[1] == t[2] || t[0] == t[2] {
			continue
		}
		for k, v := range t {
			if remap[v] < 0 {
				remap[v] = len(verts)
				verts = append(verts, m.Vertices[v])
			}
			t[k] = remap[v]
		}
		tris = append(tris, t)
	}
	m.Vertices = verts
	m.Triangles = tris
}

// Weld merges vertices with identical coordinates.
func (m *Mesh) Weld() {
	index := make(map[r3.Vec]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	verts := make([]r3.Vec, 0, len(m.Vertices))
	for i, p := range m.Vertices {
		j, ok := index[p]
		if !ok {
			j = len(verts)
			index[p] = j
			verts = append(verts, p)
		}
		remap[i] = j
	}
	for i, t := range m.Triangles {
		m.Triangles[i] = [3]int{remap[t[0]], remap[t[1]], remap[t[2]]}
	}
	m.Vertices = verts
	m.Compact()
}
