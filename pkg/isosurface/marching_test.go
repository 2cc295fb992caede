package isosurface

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
	"dentalscan/pkg/mesh"
	"dentalscan/pkg/volume"
)

func sphereData(size int, radius float64) []float64 {
	data := make([]float64, size*size*size)
	center := float64(size) / 2.0
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				dx := float64(x) - center
				dy := float64(y) - center
				dz := float64(z) - center
				if math.Sqrt(dx*dx+dy*dy+dz*dz) < radius {
					data[z*size*size+y*size+x] = 1.0
				}
			}
		}
	}
	return data
}

func TestCaseTableUsesCrossingEdges(t *testing.T) {
	assert.Len(t, cubeEdges, 12)
	assert.Empty(t, caseTable[0])
	assert.Empty(t, caseTable[255])

	for c := 1; c < 255; c++ {
		crossing := map[int]bool{}
		for id, e := range cubeEdges {
			if (c>>e.from)&1 != (c>>e.to)&1 {
				crossing[id] = true
			}
		}
		used := map[int]bool{}
		for _, tri := range caseTable[c] {
			for _, e := range tri {
				require.True(t, crossing[e], "case %d uses non-crossing edge %d", c, e)
				used[e] = true
			}
		}
		assert.Equal(t, len(crossing), len(used), "case %d", c)
	}
}

// TestTriangleInterpolation checks the single-corner case lands on edge midpoints
func TestTriangleInterpolation(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}
	m := NewMarchingCubes(data, 2, 2, 2, 0.5).Extract()
	require.Equal(t, 1, m.NumTriangles())
	assert.ElementsMatch(t, []r3.Vec{{X: 0.5}, {Y: 0.5}, {Z: 0.5}}, m.Vertices)

	// normal points away from the high corner
	n := m.UnitNormal(0)
	assert.Greater(t, r3.Dot(n, r3.Vec{X: 1, Y: 1, Z: 1}), 0.0)
}

func TestSetScale(t *testing.T) {
	data := []float64{
		1, 0,
		0, 0,

		0, 0,
		0, 0,
	}
	mc := NewMarchingCubes(data, 2, 2, 2, 0.5)
	mc.SetScale(2.5, 1.5, 3.0)
	m := mc.Extract()
	require.Equal(t, 1, m.NumTriangles())
	assert.ElementsMatch(t, []r3.Vec{{X: 1.25}, {Y: 0.75}, {Z: 1.5}}, m.Vertices)
}

// TestMarchingCubes extracts a sphere and checks it is a closed outward surface
func TestMarchingCubes(t *testing.T) {
	size := 20
	radius := float64(size) / 4.0
	center := float64(size) / 2.0
	m := NewMarchingCubes(sphereData(size, radius), size, size, size, 0.5).Extract()

	if m.NumTriangles() < 100 {
		t.Errorf("Expected at least 100 triangles for sphere, got %d", m.NumTriangles())
	}
	assert.True(t, m.IsClosed())
	assert.True(t, m.IsConsistentlyOriented())
	assert.Equal(t, 2, m.EulerCharacteristic())
	assert.Greater(t, m.SignedVolume(), 0.0)

	c := r3.Vec{X: center, Y: center, Z: center}
	for i := range m.Triangles {
		tri := m.Triangles[i]
		mid := r3.Scale(1.0/3, r3.Add(m.Vertices[tri[0]], r3.Add(m.Vertices[tri[1]], m.Vertices[tri[2]])))
		dir := r3.Unit(r3.Sub(mid, c))
		if dot := r3.Dot(dir, m.UnitNormal(i)); dot < -0.5 {
			t.Errorf("Triangle %d normal appears to point inward, dot product: %f", i, dot)
		}
	}

	// every vertex sits within one voxel of the sphere of the given radius
	lo, hi := m.Bounds()
	for _, p := range []r3.Vec{lo, hi} {
		for _, d := range []float64{p.X - center, p.Y - center, p.Z - center} {
			assert.InDelta(t, radius, math.Abs(d), 1.0)
		}
	}
}

func TestSurfaceStaysInsideGrid(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n := 6
	data := make([]float64, n*n*n)
	for i := range data {
		data[i] = rng.Float64()
	}
	m := NewMarchingCubes(data, n, n, n, 0.5).Extract()
	require.False(t, m.Empty())
	lo, hi := m.Bounds()
	for _, v := range []float64{lo.X, lo.Y, lo.Z} {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	for _, v := range []float64{hi.X, hi.Y, hi.Z} {
		assert.LessOrEqual(t, v, float64(n-1))
	}
}

func TestClosedBoundaryIsWatertight(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 10; trial++ {
		n := 3 + rng.Intn(5)
		data := make([]float64, n*n*n)
		for i := range data {
			data[i] = rng.Float64()
		}
		mc := NewMarchingCubes(data, n, n, n, 0.5)
		mc.SetClosedBoundary(true)
		m := mc.Extract()
		require.True(t, m.IsClosed(), "trial %d", trial)
		require.True(t, m.IsConsistentlyOriented(), "trial %d", trial)
	}

	// a block filling the grid only has a surface when capped
	full := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	assert.True(t, NewMarchingCubes(full, 2, 2, 2, 0.5).Extract().Empty())
	mc := NewMarchingCubes(full, 2, 2, 2, 0.5)
	mc.SetClosedBoundary(true)
	m := mc.Extract()
	assert.True(t, m.IsClosed())
	assert.Equal(t, 2, m.EulerCharacteristic())
}

func cubeVolume(t *testing.T) *volume.Volume {
	t.Helper()
	v, err := volume.New([3]int{10, 10, 10}, r3.Vec{X: 1, Y: 1, Z: 1}, r3.Vec{}, geom.Identity3())
	require.NoError(t, err)
	for z := 2; z <= 6; z++ {
		for y := 2; y <= 6; y++ {
			for x := 2; x <= 6; x++ {
				v.Set(x, y, z, 1000)
			}
		}
	}
	return v
}

// samples at distance 3 from the center sit exactly on the level
func TestSamplesOnIsoLevel(t *testing.T) {
	const size = 13
	data := make([]float64, size*size*size)
	for z := 0; z < size; z++ {
		for y := 0; y < size; y++ {
			for x := 0; x < size; x++ {
				d := math.Sqrt(float64((x-6)*(x-6) + (y-6)*(y-6) + (z-6)*(z-6)))
				data[(z*size+y)*size+x] = 200 - 30*d
			}
		}
	}
	m := NewMarchingCubes(data, size, size, size, 110).Extract()
	require.False(t, m.Empty())

	for i, tri := range m.Triangles {
		assert.False(t, tri[0] == tri[1] || tri[1] == tri[2] || tri[0] == tri[2], "triangle %d repeats a vertex", i)
		assert.Greater(t, r3.Norm(m.TriangleNormal(i)), 1e-12, "triangle %d has no area", i)
	}
	assert.True(t, m.IsClosed())
	assert.True(t, m.IsConsistentlyOriented())
	assert.Equal(t, 2, m.EulerCharacteristic())

	// the on-level samples are vertices themselves
	found := false
	for _, p := range m.Vertices {
		if p == (r3.Vec{X: 9, Y: 6, Z: 6}) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExtractHUCube(t *testing.T) {
	v := cubeVolume(t)
	m, err := ExtractHU(v, 500, -400, 3000, Options{})
	require.NoError(t, err)

	assert.True(t, m.IsClosed())
	assert.Equal(t, 2, m.EulerCharacteristic())
	area := m.Area()
	// the beveled 5×5×5 cube measures about 131
	assert.Greater(t, area, 125.0)
	assert.Less(t, area, 150.0)

	lo, hi := m.Bounds()
	for _, d := range []float64{hi.X - lo.X, hi.Y - lo.Y, hi.Z - lo.Z} {
		assert.InDelta(t, 5.0, d, 1.0)
	}
	// 500 HU is byte 68 between 30 and 105
	assert.InDelta(t, 1+38.0/75, lo.X, 1e-9)
}

func TestExtractThresholdOutsideRange(t *testing.T) {
	v := volume.WindowToByte(cubeVolume(t), -400, 3000)
	var last float64
	m, err := Extract(v, 200, Options{Progress: func(f float64) { last = f }})
	require.NoError(t, err)
	assert.True(t, m.Empty())
	assert.Equal(t, 1.0, last)

	// 255 is clamped to 254, still above every sample
	m, err = Extract(v, 255, Options{})
	require.NoError(t, err)
	assert.True(t, m.Empty())

	// 0 is clamped to 1, below every sample: nothing crosses without a cap
	m, err = Extract(v, 0, Options{})
	require.NoError(t, err)
	assert.True(t, m.Empty())
}

func TestExtractScalesBySpacing(t *testing.T) {
	v := cubeVolume(t)
	v.Spacing = r3.Vec{X: 0.5, Y: 0.5, Z: 2}
	var calls int
	m, err := ExtractHU(v, 500, -400, 3000, Options{Progress: func(float64) { calls++ }})
	require.NoError(t, err)
	assert.Equal(t, 9, calls)
	lo, hi := m.Bounds()
	assert.InDelta(t, 2.5, hi.X-lo.X, 0.5)
	assert.InDelta(t, 10.0, hi.Z-lo.Z, 2.0)

	_, err = Extract(&volume.Volume{}, 1, Options{})
	assert.ErrorIs(t, err, volume.ErrInvalidVolume)
}

func TestExtractSearchMatchesTable(t *testing.T) {
	v, err := volume.New([3]int{16, 16, 16}, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, r3.Vec{}, geom.Identity3())
	require.NoError(t, err)
	for z := 0; z < 16; z++ {
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				if math.Sqrt(float64((x-8)*(x-8)+(y-8)*(y-8)+(z-8)*(z-8))) <= 4 {
					v.Set(x, y, z, 1000)
				}
			}
		}
	}

	table, err := Extract(v, 500, Options{})
	require.NoError(t, err)

	var last float64
	searched, err := Extract(v, 500, Options{SearchIterations: 8, Progress: func(f float64) { last = f }})
	require.NoError(t, err)
	assert.Equal(t, 1.0, last)
	require.False(t, searched.Empty())
	assert.Equal(t, mesh.Local, searched.Space)
	assert.True(t, searched.IsClosed())
	assert.True(t, searched.IsConsistentlyOriented())
	assert.Equal(t, 2, searched.EulerCharacteristic())
	assert.InEpsilon(t, table.SignedVolume(), searched.SignedVolume(), 0.1)

	c := searched.Centroid()
	assert.InDelta(t, 4.0, c.X, 0.1)
	assert.InDelta(t, 4.0, c.Y, 0.1)
	assert.InDelta(t, 4.0, c.Z, 0.1)

	// the search closes surfaces cut by the border
	cut, err := Extract(cubeVolume(t), 0, Options{SearchIterations: 4})
	require.NoError(t, err)
	assert.True(t, cut.IsClosed())
}

func BenchmarkMarchingCubes(b *testing.B) {
	size := 16
	data := sphereData(size, float64(size)/4)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		NewMarchingCubes(data, size, size, size, 0.5).Extract()
	}
}
