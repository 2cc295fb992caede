// Package registration aligns two surfaces rigidly: a closed-form solution
// from picked landmark pairs, refined by iterative closest point.
package registration

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
)

var (
	// ErrInsufficientCorrespondences is returned when fewer than three point
	// pairs are supplied or the two lists differ in length.
	ErrInsufficientCorrespondences = errors.New("at least 3 corresponding point pairs are required")

	// ErrDegenerateConfiguration is returned when the points are coincident
	// or collinear and no unique rotation exists.
	ErrDegenerateConfiguration = errors.New("point configuration is degenerate")
)

// MinCorrespondences is the smallest number of pairs a rigid fit accepts.
const MinCorrespondences = 3

// degenerateTol is the singular value ratio below which the second principal
// direction of the cross-covariance is treated as missing.
const degenerateTol = 1e-10

// RigidTransform maps source points onto target points as R·p + t.
type RigidTransform struct {
	Rotation    geom.Mat3
	Translation r3.Vec

	SourceCentroid r3.Vec
	TargetCentroid r3.Vec

	// ReflectionCorrected is set when the unconstrained SVD solution was a
	// mirror and the smallest singular direction had to be flipped.
	ReflectionCorrected bool

	// RMSE is the residual over the pairs the transform was fitted to.
	RMSE float64
}

// IdentityTransform returns the transform that leaves every point in place.
func IdentityTransform() RigidTransform {
	return RigidTransform{Rotation: geom.Identity3()}
}

// Matrix returns Translate(cT)·R·Translate(-cS), which equals R·p + t.
func (rt RigidTransform) Matrix() geom.Mat4 {
	return geom.Translate(rt.TargetCentroid).
		Mul(geom.FromRotation(rt.Rotation, r3.Vec{})).
		Mul(geom.Translate(r3.Scale(-1, rt.SourceCentroid)))
}

// Apply transforms p.
func (rt RigidTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(rt.Rotation.MulVec(p), rt.Translation)
}

func centroid(pts []r3.Vec) r3.Vec {
	var sum r3.Vec
	for _, p := range pts {
		sum = r3.Add(sum, p)
	}
	return r3.Scale(1/float64(len(pts)), sum)
}

// ComputeRigidTransform returns the least squares rotation and translation
// taking source[i] onto target[i] (Kabsch). The rotation is always proper.
func ComputeRigidTransform(source, target []r3.Vec) (RigidTransform, error) {
	if len(source) != len(target) {
		return RigidTransform{}, errors.Wrapf(ErrInsufficientCorrespondences,
			"source has %d points, target has %d", len(source), len(target))
	}
	if len(source) < MinCorrespondences {
		return RigidTransform{}, errors.Wrapf(ErrInsufficientCorrespondences, "got %d pairs", len(source))
	}

	cs, ct := centroid(source), centroid(target)

	// H = Σ t'·s'ᵀ so that R = U·Vᵀ rotates source onto target.
	h := mat.NewDense(3, 3, nil)
	for i := range source {
		s := r3.Sub(source[i], cs)
		t := r3.Sub(target[i], ct)
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+tv[r]*sv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return RigidTransform{}, errors.Wrap(ErrDegenerateConfiguration, "SVD did not converge")
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[1] < degenerateTol*values[0] {
		return RigidTransform{}, errors.Wrapf(ErrDegenerateConfiguration,
			"singular values %.3g, %.3g, %.3g", values[0], values[1], values[2])
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	rot := geom.Mat3FromDense(&r)

	res := RigidTransform{SourceCentroid: cs, TargetCentroid: ct}
	if rot.Det() < 0 {
		// negating the third row of Vᵀ is negating the third column of V
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&u, v.T())
		rot = geom.Mat3FromDense(&r)
		res.ReflectionCorrected = true
	}

	res.Rotation = rot
	res.Translation = r3.Sub(ct, rot.MulVec(cs))
	res.RMSE = rmse(res, source, target)
	return res, nil
}

func rmse(rt RigidTransform, source, target []r3.Vec) float64 {
	var sum float64
	for i := range source {
		sum += r3.Norm2(r3.Sub(rt.Apply(source[i]), target[i]))
	}
	return math.Sqrt(sum / float64(len(source)))
}
