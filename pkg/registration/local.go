package registration

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/pkg/geom"
	"dentalscan/pkg/spatial"
)

// RadiusSubset returns the sorted, de-duplicated ids of indexed points lying
// within radius of any of refs.
func RadiusSubset(index *spatial.Index, refs []r3.Vec, radius float64) []int {
	seen := make(map[int]struct{})
	for _, ref := range refs {
		for _, m := range index.WithinRadius(ref, radius) {
			seen[m.ID] = struct{}{}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func subset(pts []r3.Vec, ids []int) []r3.Vec {
	out := make([]r3.Vec, len(ids))
	for i, id := range ids {
		out[i] = pts[id]
	}
	return out
}

// AlignOptions configure AlignWithLandmarks.
type AlignOptions struct {
	// Radius restricts ICP to vertices near the picked landmarks; 0 uses
	// every vertex
	Radius float64
	// Passes is how many times ICP is restarted from its previous result
	Passes int
	ICP    ICPOptions
}

// DefaultAlignOptions returns two full-surface ICP passes.
func DefaultAlignOptions() AlignOptions {
	return AlignOptions{Passes: 2, ICP: DefaultICPOptions()}
}

// AlignResult is the outcome of AlignWithLandmarks.
type AlignResult struct {
	// Landmark is the closed-form fit of the picked points
	Landmark RigidTransform
	// Transform maps the moving surface onto the base surface
	Transform geom.Mat4
	Passes    []ICPResult

	BaseVertices   int
	MovingVertices int
}

// AlignWithLandmarks aligns moving onto base. The picked landmark pairs give
// the initial transform, which ICP then refines over the surface vertices,
// optionally restricted to the neighborhood of the landmarks.
func AlignWithLandmarks(ctx context.Context, base, moving []r3.Vec, baseRefs, movingRefs []r3.Vec,
	opts AlignOptions, logger *zap.SugaredLogger,
) (AlignResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	landmark, err := ComputeRigidTransform(movingRefs, baseRefs)
	if err != nil {
		return AlignResult{}, errors.Wrap(err, "landmark fit")
	}
	if landmark.ReflectionCorrected {
		logger.Infow("landmark fit needed reflection correction")
	}
	logger.Debugw("landmark fit", "rmse", landmark.RMSE)

	baseSet, movingSet := base, moving
	if opts.Radius > 0 {
		baseSet = subset(base, RadiusSubset(spatial.FromPoints(base), baseRefs, opts.Radius))
		movingSet = subset(moving, RadiusSubset(spatial.FromPoints(moving), movingRefs, opts.Radius))
		logger.Debugw("radius subsets", "radius", opts.Radius, "base", len(baseSet), "moving", len(movingSet))
	}

	res := AlignResult{
		Landmark:       landmark,
		Transform:      landmark.Matrix(),
		BaseVertices:   len(baseSet),
		MovingVertices: len(movingSet),
	}

	passes := opts.Passes
	if passes < 1 {
		passes = 1
	}
	refiner := NewRefiner(spatial.FromPoints(baseSet), opts.ICP, logger)
	for i := 0; i < passes; i++ {
		pass, err := refiner.Run(ctx, movingSet, res.Transform)
		if err != nil {
			return res, errors.Wrapf(err, "icp pass %d", i+1)
		}
		res.Passes = append(res.Passes, pass)
		res.Transform = pass.Transform
		logger.Infow("icp pass", "pass", i+1, "status", pass.Status.String(),
			"iterations", pass.Iterations, "max", pass.MaxDistance, "mean", pass.MeanDistance)
		if pass.Status == StatusNoCorrespondences || pass.Status == StatusDegenerate {
			break
		}
	}
	return res, nil
}
