package registration

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
	"dentalscan/pkg/spatial"
)

// axisAngle returns the rotation by theta about the unit axis a (Rodrigues).
func axisAngle(a r3.Vec, theta float64) geom.Mat3 {
	a = r3.Unit(a)
	c, s := math.Cos(theta), math.Sin(theta)
	k := 1 - c
	return geom.Mat3{
		c + a.X*a.X*k, a.X*a.Y*k - a.Z*s, a.X*a.Z*k + a.Y*s,
		a.Y*a.X*k + a.Z*s, c + a.Y*a.Y*k, a.Y*a.Z*k - a.X*s,
		a.Z*a.X*k - a.Y*s, a.Z*a.Y*k + a.X*s, c + a.Z*a.Z*k,
	}
}

func randomCloud(rng *rand.Rand, n int) []r3.Vec {
	pts := make([]r3.Vec, n)
	for i := range pts {
		pts[i] = r3.Vec{X: rng.NormFloat64() * 5, Y: rng.NormFloat64() * 3, Z: rng.NormFloat64() * 2}
	}
	return pts
}

func transform(pts []r3.Vec, m geom.Mat4) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = m.Apply(p)
	}
	return out
}

// patch samples an asymmetric curved surface on a regular grid.
func patch(n int, step float64) []r3.Vec {
	pts := make([]r3.Vec, 0, n*n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			x, y := float64(i)*step, float64(j)*step*1.3
			pts = append(pts, r3.Vec{X: x, Y: y, Z: 0.05*x*x + 0.02*y*y + 0.03*x*y})
		}
	}
	return pts
}

func assertMat3Near(t *testing.T, want, got geom.Mat3, tol float64) {
	t.Helper()
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d", i)
	}
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol)
	assert.InDelta(t, want.Y, got.Y, tol)
	assert.InDelta(t, want.Z, got.Z, tol)
}

func TestRotationIsProper(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 3 + rng.Intn(20)
		rt, err := ComputeRigidTransform(randomCloud(rng, n), randomCloud(rng, n))
		require.NoError(t, err)
		assert.True(t, rt.Rotation.IsRotation(1e-9), "trial %d: %v", trial, rt.Rotation)
	}
}

func TestExactRecovery(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	r0 := axisAngle(r3.Vec{X: 1, Y: 2, Z: -0.5}, 1.1)
	t0 := r3.Vec{X: 12, Y: -4, Z: 7.5}
	m0 := geom.FromRotation(r0, t0)

	for _, n := range []int{3, 4, 10, 200} {
		src := randomCloud(rng, n)
		dst := transform(src, m0)

		rt, err := ComputeRigidTransform(src, dst)
		require.NoError(t, err)
		if n > 3 {
			assert.False(t, rt.ReflectionCorrected)
		}
		assertMat3Near(t, r0, rt.Rotation, 1e-6)
		assertVecNear(t, t0, rt.Translation, 1e-6)
		assert.Less(t, rt.RMSE, 1e-9)
		assert.True(t, rt.Matrix().ApproxEqual(m0, 1e-6))

		for i, p := range src {
			assertVecNear(t, dst[i], rt.Apply(p), 1e-6)
		}
	}
}

func TestCoplanarPointsRecover(t *testing.T) {
	src := []r3.Vec{{X: 0}, {X: 4}, {Y: 3}, {X: 4, Y: 3}, {X: 1, Y: 2}}
	r0 := axisAngle(r3.Vec{X: 0.3, Y: 1, Z: 0.2}, -2.2)
	m0 := geom.FromRotation(r0, r3.Vec{X: 1, Y: 1, Z: 1})

	rt, err := ComputeRigidTransform(src, transform(src, m0))
	require.NoError(t, err)
	assert.True(t, rt.Rotation.IsRotation(1e-9))
	assertMat3Near(t, r0, rt.Rotation, 1e-6)
}

func TestReflectionCorrected(t *testing.T) {
	src := []r3.Vec{
		{X: 0, Y: 0, Z: 0},
		{X: 3, Y: 0, Z: 0},
		{X: 0, Y: 2, Z: 0},
		{X: 0, Y: 0, Z: 1},
		{X: 1, Y: 1, Z: 1},
	}
	mirror := make([]r3.Vec, len(src))
	for i, p := range src {
		mirror[i] = r3.Vec{X: -p.X, Y: p.Y, Z: p.Z}
	}

	rt, err := ComputeRigidTransform(src, mirror)
	require.NoError(t, err)
	assert.True(t, rt.ReflectionCorrected)
	assert.True(t, rt.Rotation.IsRotation(1e-9))
	assert.InDelta(t, 1.0, rt.Rotation.Det(), 1e-9)
	assert.Greater(t, rt.RMSE, 0.1)
}

func TestInsufficientCorrespondences(t *testing.T) {
	pts := []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}

	_, err := ComputeRigidTransform(pts[:2], pts[:2])
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)

	_, err = ComputeRigidTransform(pts, pts[:2])
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)

	_, err = ComputeRigidTransform(nil, nil)
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
}

func TestDegenerateConfiguration(t *testing.T) {
	line := []r3.Vec{{X: 0}, {X: 1}, {X: 2}, {X: 5}}
	_, err := ComputeRigidTransform(line, line)
	assert.ErrorIs(t, err, ErrDegenerateConfiguration)

	same := []r3.Vec{{X: 1, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 1}}
	_, err = ComputeRigidTransform(same, []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}})
	assert.ErrorIs(t, err, ErrDegenerateConfiguration)
}

func TestIdentityTransformMatrix(t *testing.T) {
	assert.True(t, IdentityTransform().Matrix().ApproxEqual(geom.Identity(), 0))
}

func TestStride(t *testing.T) {
	pts := make([]r3.Vec, 25)
	for i := range pts {
		pts[i] = r3.Vec{X: float64(i)}
	}
	got := stride(pts, 10)
	require.Len(t, got, 9)
	assert.Equal(t, 0.0, got[0].X)
	assert.Equal(t, 3.0, got[1].X)
	assert.Equal(t, 24.0, got[8].X)

	assert.Len(t, stride(pts, 0), 25)
	assert.Len(t, stride(pts, 25), 25)
}

func TestCorrespondDeduplicatesTargets(t *testing.T) {
	target := spatial.FromPoints([]r3.Vec{{}, {X: 10}, {Y: 10}, {Z: 10}})
	rf := NewRefiner(target, DefaultICPOptions(), nil)

	moved := []r3.Vec{{X: 0.1}, {X: 0.2}, {Y: 0.1}, {X: 9}}
	pr := rf.correspond(moved)
	require.Len(t, pr.source, 2)
	assert.Equal(t, moved[0], pr.source[0])
	assert.Equal(t, r3.Vec{}, pr.target[0])
	assert.Equal(t, moved[3], pr.source[1])
	assert.Equal(t, r3.Vec{X: 10}, pr.target[1])
}

func TestICPConvergesOnGrid(t *testing.T) {
	var target []r3.Vec
	for z := 0; z < 6; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				target = append(target, r3.Vec{X: float64(x), Y: float64(y) * 1.3, Z: float64(z) * 1.7})
			}
		}
	}
	// move the source slightly off the target; every point stays closest to
	// its own counterpart
	truth := geom.FromRotation(axisAngle(r3.Vec{X: 1, Y: 1, Z: 1}, 0.01), r3.Vec{X: 0.05, Y: -0.03, Z: 0.02})
	inv, err := truth.Inverse()
	require.NoError(t, err)
	source := transform(target, inv)

	rf := NewRefiner(spatial.FromPoints(target), DefaultICPOptions(), nil)
	var states []State
	rf.OnStateChange(func(s State) { states = append(states, s) })

	res, err := rf.Run(context.Background(), source, geom.Identity())
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, len(target), res.Correspondences)
	assert.True(t, res.Transform.ApproxEqual(truth, 1e-9))
	assert.Less(t, res.MaxDistance, 1e-4)

	require.NotEmpty(t, states)
	assert.Equal(t, StateInit, states[0])
	assert.Equal(t, []State{StateCorrespond, StateSolve, StateApply, StateConverged}, states[1:])
	assert.Equal(t, StateConverged, rf.State())
}

func TestICPImprovesMonotonically(t *testing.T) {
	target := patch(30, 0.5)
	c := centroid(target)
	truth := geom.Translate(r3.Vec{X: 0.3, Y: -0.2, Z: 0.1}).
		Mul(geom.Translate(c)).
		Mul(geom.FromRotation(axisAngle(r3.Vec{Z: 1}, 0.07), r3.Vec{})).
		Mul(geom.Translate(r3.Scale(-1, c)))
	inv, err := truth.Inverse()
	require.NoError(t, err)
	source := transform(target, inv)

	index := spatial.FromPoints(target)
	startMax, startMean := Residual(index, source, geom.Identity())

	res, err := NewRefiner(index, DefaultICPOptions(), nil).Run(context.Background(), source, geom.Identity())
	require.NoError(t, err)
	require.NotEmpty(t, res.History)
	assert.Equal(t, len(res.History), res.Iterations)

	endMax, endMean := Residual(index, source, res.Transform)
	assert.Less(t, endMax, startMax)
	assert.Less(t, endMean, startMean)

	increases := 0
	for i := 1; i < len(res.History); i++ {
		if res.History[i] > res.History[i-1]+1e-12 {
			increases++
		}
	}
	assert.LessOrEqual(t, increases, len(res.History)/2)
	assert.LessOrEqual(t, res.History[len(res.History)-1], res.History[0])
}

func TestICPNoCorrespondences(t *testing.T) {
	initial := geom.Translate(r3.Vec{X: 1, Y: 2, Z: 3})
	rf := NewRefiner(spatial.NewIndex(0), DefaultICPOptions(), nil)

	res, err := rf.Run(context.Background(), []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}}, initial)
	require.NoError(t, err)
	assert.Equal(t, StatusNoCorrespondences, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, initial, res.Transform)
	assert.Equal(t, StateTerminated, rf.State())

	res, err = NewRefiner(spatial.FromPoints([]r3.Vec{{X: 1}}), DefaultICPOptions(), nil).
		Run(context.Background(), nil, initial)
	require.NoError(t, err)
	assert.Equal(t, StatusNoCorrespondences, res.Status)
	assert.Equal(t, initial, res.Transform)
}

func TestICPDegenerateMatches(t *testing.T) {
	target := spatial.FromPoints([]r3.Vec{{}, {X: 10}, {Y: 10}, {Z: 10}})
	source := []r3.Vec{{X: 0.1}, {X: 0.2}, {Y: 0.1}}

	res, err := NewRefiner(target, DefaultICPOptions(), nil).Run(context.Background(), source, geom.Identity())
	require.NoError(t, err)
	assert.Equal(t, StatusDegenerate, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, geom.Identity(), res.Transform)
}

func TestICPMatchCentroids(t *testing.T) {
	target := patch(10, 1)
	shift := r3.Vec{X: 40, Y: -25, Z: 10}
	source := transform(target, geom.Translate(r3.Scale(-1, shift)))

	opts := DefaultICPOptions()
	opts.MatchCentroids = true
	res, err := NewRefiner(spatial.FromPoints(target), opts, nil).Run(context.Background(), source, geom.Identity())
	require.NoError(t, err)
	assert.Equal(t, StatusConverged, res.Status)
	assertVecNear(t, shift, res.Transform.Translation(), 1e-6)
}

func TestICPCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	target := patch(5, 1)
	rf := NewRefiner(spatial.FromPoints(target), DefaultICPOptions(), nil)
	_, err := rf.Run(ctx, target, geom.Identity())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateTerminated, rf.State())
}

func TestPointPickingSession(t *testing.T) {
	s := NewPointPickingSession()
	assert.Equal(t, SessionIdle, s.State())

	r0 := axisAngle(r3.Vec{Z: 1}, math.Pi/3)
	m0 := geom.FromRotation(r0, r3.Vec{X: 5, Y: 1})
	align := []r3.Vec{{}, {X: 2}, {Y: 3}, {X: 1, Y: 1, Z: 2}}

	for i, p := range align[:3] {
		lp, err := s.AddAlignPoint(p)
		require.NoError(t, err)
		assert.Equal(t, "M"+string(rune('1'+i)), lp.Label)
	}
	assert.Equal(t, SessionPicking, s.State())

	_, err := s.Commit()
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
	assert.Len(t, s.AlignPoints(), 3)

	for _, p := range align[:3] {
		_, err := s.AddBasePoint(m0.Apply(p))
		require.NoError(t, err)
	}
	assert.Equal(t, SessionReady, s.State())

	// a fourth align point breaks the pairing until undone
	lp, err := s.AddAlignPoint(align[3])
	require.NoError(t, err)
	assert.Equal(t, "M4", lp.Label)
	assert.Equal(t, SessionPicking, s.State())

	undone, err := s.Undo()
	require.NoError(t, err)
	assert.Equal(t, "M4", undone.Label)
	assert.Equal(t, SessionReady, s.State())

	base := s.BasePoints()
	require.Len(t, base, 3)
	assert.Equal(t, "B3", base[2].Label)

	rt, err := s.Commit()
	require.NoError(t, err)
	assertMat3Near(t, r0, rt.Rotation, 1e-9)
	assert.True(t, rt.Matrix().ApproxEqual(m0, 1e-9))
	assert.Equal(t, SessionIdle, s.State())
	assert.Empty(t, s.BasePoints())

	_, err = s.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestPointPickingSessionCancel(t *testing.T) {
	s := NewPointPickingSession()
	_, err := s.AddBasePoint(r3.Vec{X: 1})
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, SessionCancelled, s.State())

	_, err = s.AddBasePoint(r3.Vec{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.AddAlignPoint(r3.Vec{})
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Undo()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.Commit()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRadiusSubset(t *testing.T) {
	pts := make([]r3.Vec, 10)
	for i := range pts {
		pts[i] = r3.Vec{X: float64(i)}
	}
	index := spatial.FromPoints(pts)

	ids := RadiusSubset(index, []r3.Vec{{X: 0}, {X: 9}, {X: 0.5}}, 1.2)
	assert.Equal(t, []int{0, 1, 8, 9}, ids)

	assert.Empty(t, RadiusSubset(index, []r3.Vec{{Y: 50}}, 1))
}

func TestAlignWithLandmarks(t *testing.T) {
	base := patch(20, 0.5)
	truth := geom.FromRotation(axisAngle(r3.Vec{X: 0.2, Y: -1, Z: 0.4}, 0.8), r3.Vec{X: -3, Y: 8, Z: 2})
	inv, err := truth.Inverse()
	require.NoError(t, err)
	moving := transform(base, inv)

	refIDs := []int{0, 19, 210, 399}
	baseRefs := make([]r3.Vec, len(refIDs))
	movingRefs := make([]r3.Vec, len(refIDs))
	for i, id := range refIDs {
		baseRefs[i] = base[id]
		movingRefs[i] = moving[id]
	}

	for _, radius := range []float64{0, 1.3} {
		opts := DefaultAlignOptions()
		opts.Radius = radius
		res, err := AlignWithLandmarks(context.Background(), base, moving, baseRefs, movingRefs, opts, nil)
		require.NoError(t, err)
		assert.True(t, res.Landmark.Matrix().ApproxEqual(truth, 1e-6))
		assert.True(t, res.Transform.ApproxEqual(truth, 1e-6))
		require.NotEmpty(t, res.Passes)
		assert.Equal(t, StatusConverged, res.Passes[0].Status)
		if radius > 0 {
			assert.Less(t, res.BaseVertices, len(base))
			assert.Equal(t, res.BaseVertices, res.MovingVertices)
		} else {
			assert.Equal(t, len(base), res.BaseVertices)
		}
	}

	_, err = AlignWithLandmarks(context.Background(), base, moving, baseRefs[:2], movingRefs[:2], DefaultAlignOptions(), nil)
	assert.ErrorIs(t, err, ErrInsufficientCorrespondences)
}
