package simplify

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// quadric is the symmetric 4x4 error matrix of Garland and Heckbert, stored
// as its upper triangle:
//
//	a00 a01 a02 a03
//	    a11 a12 a13
//	        a22 a23
//	            a33
type quadric [10]float64

// planeQuadric returns the quadric of the plane through p with unit normal n.
func planeQuadric(n, p r3.Vec, weight float64) quadric {
	a, b, c := n.X, n.Y, n.Z
	d := -r3.Dot(n, p)
	return quadric{
		a * a * weight, a * b * weight, a * c * weight, a * d * weight,
		b * b * weight, b * c * weight, b * d * weight,
		c * c * weight, c * d * weight,
		d * d * weight,
	}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

// eval returns vᵀQv for the homogeneous point (p, 1).
func (q quadric) eval(p r3.Vec) float64 {
	x, y, z := p.X, p.Y, p.Z
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z +
		q[9]
}

// minimizer solves for the point of least error. It reports false when the
// 3x3 system is close to singular (flat or linear neighborhoods).
func (q quadric) minimizer() (r3.Vec, bool) {
	a00, a01, a02 := q[0], q[1], q[2]
	a11, a12 := q[4], q[5]
	a22 := q[7]
	b0, b1, b2 := -q[3], -q[6], -q[8]

	c00 := a11*a22 - a12*a12
	c01 := a02*a12 - a01*a22
	c02 := a01*a12 - a02*a11
	det := a00*c00 + a01*c01 + a02*c02

	scale := math.Abs(a00) + math.Abs(a11) + math.Abs(a22)
	if scale == 0 || math.Abs(det) < 1e-9*scale*scale*scale {
		return r3.Vec{}, false
	}
	c11 := a00*a22 - a02*a02
	c12 := a01*a02 - a00*a12
	c22 := a00*a11 - a01*a01
	inv := 1 / det
	return r3.Vec{
		X: (c00*b0 + c01*b1 + c02*b2) * inv,
		Y: (c01*b0 + c11*b1 + c12*b2) * inv,
		Z: (c02*b0 + c12*b1 + c22*b2) * inv,
	}, true
}
