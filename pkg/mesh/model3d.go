package mesh

import (
	"sort"

	"github.com/unixpickle/model3d/model3d"
	"gonum.org/v1/gonum/spatial/r3"
)

// ToModel3D copies m into a model3d mesh. Vertices shared by index become
// triangles sharing exact coordinates.
func (m *Mesh) ToModel3D() *model3d.Mesh {
	tris := make([]*model3d.Triangle, len(m.Triangles))
	for i, t := range m.Triangles {
		tris[i] = &model3d.Triangle{
			toCoord(m.Vertices[t[0]]),
			toCoord(m.Vertices[t[1]]),
			toCoord(m.Vertices[t[2]]),
		}
	}
	return model3d.NewMeshTriangles(tris)
}

// FromModel3D indexes the triangles of mm by exact coordinate. Triangles are
// sorted first, so the vertex order does not depend on how model3d stores
// its faces. Triangles that repeat a coordinate are dropped.
func FromModel3D(mm *model3d.Mesh, space Space) *Mesh {
	tris := mm.TriangleSlice()
	sort.Slice(tris, func(i, j int) bool {
		return lessTriangle(tris[i], tris[j])
	})

	out := New(space)
	index := make(map[model3d.Coord3D]int, len(tris)/2)
	vertex := func(c model3d.Coord3D) int {
		if i, ok := index[c]; ok {
			return i
		}
		i := out.AddVertex(r3.Vec{X: c.X, Y: c.Y, Z: c.Z})
		index[c] = i
		return i
	}
	for _, t := range tris {
		a, b, c := vertex(t[0]), vertex(t[1]), vertex(t[2])
		if a == b || b == c || a == c {
			continue
		}
		out.AddTriangle(a, b, c)
	}
	return out
}

// SingularVertices returns the vertices whose surrounding triangles do not
// form a single fan, where two sheets of the surface touch.
func (m *Mesh) SingularVertices() []r3.Vec {
	if len(m.Triangles) == 0 {
		return nil
	}
	coords := m.ToModel3D().SingularVertices()
	out := make([]r3.Vec, len(coords))
	for i, c := range coords {
		out[i] = r3.Vec{X: c.X, Y: c.Y, Z: c.Z}
	}
	return out
}

func toCoord(v r3.Vec) model3d.Coord3D {
	return model3d.Coord3D{X: v.X, Y: v.Y, Z: v.Z}
}

func lessTriangle(a, b *model3d.Triangle) bool {
	for k := 0; k < 3; k++ {
		if a[k] != b[k] {
			return lessCoord(a[k], b[k])
		}
	}
	return false
}

func lessCoord(a, b model3d.Coord3D) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
