package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func rotZ(theta float64) Mat3 {
	c, s := math.Cos(theta), math.Sin(theta)
	return Mat3{c, -s, 0, s, c, 0, 0, 0, 1}
}

func TestMat3Rotation(t *testing.T) {
	r := rotZ(0.3)
	assert.True(t, r.IsRotation(1e-12))
	assert.InDelta(t, 1.0, r.Det(), 1e-12)

	mirror := Mat3{-1, 0, 0, 0, 1, 0, 0, 0, 1}
	assert.False(t, mirror.IsRotation(1e-9))

	p := r.MulVec(r3.Vec{X: 1})
	assert.InDelta(t, math.Cos(0.3), p.X, 1e-12)
	assert.InDelta(t, math.Sin(0.3), p.Y, 1e-12)
}

func TestMat4ComposeAndApply(t *testing.T) {
	// rotate about (1,1,0) then shift by (0,0,5)
	c := r3.Vec{X: 1, Y: 1}
	m := Translate(r3.Vec{Z: 5}).
		Mul(Translate(c)).
		Mul(FromRotation(rotZ(math.Pi/2), r3.Vec{})).
		Mul(Translate(r3.Scale(-1, c)))

	got := m.Apply(r3.Vec{X: 2, Y: 1})
	assert.InDelta(t, 1.0, got.X, 1e-12)
	assert.InDelta(t, 2.0, got.Y, 1e-12)
	assert.InDelta(t, 5.0, got.Z, 1e-12)

	dir := m.ApplyVector(r3.Vec{X: 1})
	assert.InDelta(t, 0.0, dir.X, 1e-12)
	assert.InDelta(t, 1.0, dir.Y, 1e-12)
}

func TestMat4Inverse(t *testing.T) {
	m := FromRotation(rotZ(0.7), r3.Vec{X: 3, Y: -2, Z: 1}).Mul(Scale(r3.Vec{X: 2, Y: 2, Z: 0.5}))
	inv, err := m.Inverse()
	require.NoError(t, err)
	assert.True(t, m.Mul(inv).ApproxEqual(Identity(), 1e-12))

	_, err = Scale(r3.Vec{X: 1, Y: 0, Z: 1}).Inverse()
	assert.ErrorIs(t, err, ErrSingular)
}
