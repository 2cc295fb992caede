package mesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
)

// tetrahedron returns a closed, outward wound tetrahedron
func tetrahedron() *Mesh {
	m := New(Local)
	m.AddVertex(r3.Vec{})
	m.AddVertex(r3.Vec{X: 1})
	m.AddVertex(r3.Vec{Y: 1})
	m.AddVertex(r3.Vec{Z: 1})
	m.AddTriangle(0, 2, 1)
	m.AddTriangle(0, 1, 3)
	m.AddTriangle(0, 3, 2)
	m.AddTriangle(1, 2, 3)
	return m
}

func TestTetrahedronTopology(t *testing.T) {
	m := tetrahedron()
	require.NoError(t, m.Validate())
	assert.True(t, m.IsClosed())
	assert.True(t, m.IsConsistentlyOriented())
	assert.Equal(t, 2, m.EulerCharacteristic())
	assert.Empty(t, m.BoundaryLoops())
	assert.InDelta(t, 1.0/6, m.SignedVolume(), 1e-12)

	s := m.ComputeStats()
	assert.True(t, s.Closed)
	assert.Equal(t, 0, s.BoundaryEdges)
	assert.InDelta(t, (3+3*math.Sqrt2)/6, s.MeanEdgeLength, 1e-12)
}

func TestBoundaryLoopsOpenMesh(t *testing.T) {
	m := tetrahedron()
	m.Triangles = m.Triangles[:3]
	assert.False(t, m.IsClosed())
	assert.Equal(t, 1, m.EulerCharacteristic())

	loops := m.BoundaryLoops()
	require.Len(t, loops, 1)
	assert.Len(t, loops[0], 3)
	assert.ElementsMatch(t, []int{1, 2, 3}, loops[0])

	bv := m.BoundaryVertices()
	assert.Equal(t, []bool{false, true, true, true}, bv)
}

func TestValidateRejectsBadIndices(t *testing.T) {
	m := tetrahedron()
	m.AddTriangle(0, 1, 9)
	assert.ErrorIs(t, m.Validate(), ErrInvalidMesh)

	m = tetrahedron()
	m.AddTriangle(0, 1, 1)
	assert.ErrorIs(t, m.Validate(), ErrInvalidMesh)
}

func TestTransformKeepsOrientation(t *testing.T) {
	m := tetrahedron()
	m.Transform(geom.Translate(r3.Vec{X: 5}), Physical)
	assert.Equal(t, Physical, m.Space)
	assert.InDelta(t, 1.0/6, m.SignedVolume(), 1e-12)

	// a mirror flips winding back to outward
	m.Transform(geom.Scale(r3.Vec{X: -1, Y: 1, Z: 1}), Physical)
	assert.InDelta(t, 1.0/6, m.SignedVolume(), 1e-12)
}

func TestWeldAndCompact(t *testing.T) {
	m := New(Local)
	// two triangles sharing an edge but with duplicated vertices
	for _, p := range []r3.Vec{{}, {X: 1}, {Y: 1}, {X: 1}, {X: 1, Y: 1}, {Y: 1}, {Z: 9}} {
		m.AddVertex(p)
	}
	m.AddTriangle(0, 1, 2)
	m.AddTriangle(3, 4, 5)
	m.Weld()
	assert.Len(t, m.Vertices, 4)
	assert.Equal(t, 2, m.NumTriangles())
	assert.Equal(t, 1, len(m.BoundaryLoops()))

	m.Triangles = append(m.Triangles, [3]int{0, 0, 1})
	m.Compact()
	assert.Equal(t, 2, m.NumTriangles())
}

func TestBoundsAndArea(t *testing.T) {
	m := tetrahedron()
	lo, hi := m.Bounds()
	assert.Equal(t, r3.Vec{}, lo)
	assert.Equal(t, r3.Vec{X: 1, Y: 1, Z: 1}, hi)
	assert.InDelta(t, 1.5+math.Sqrt(3)/2, m.Area(), 1e-12)

	n := m.VertexNormals()
	assert.InDelta(t, 1.0, r3.Norm(n[3]), 1e-12)
}
