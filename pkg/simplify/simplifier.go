// Package simplify cleans up extracted surfaces: quadric decimation,
// Laplacian smoothing, hole filling and placement into physical space.
package simplify

import (
	"go.uber.org/zap"

	"dentalscan/pkg/geom"
	"dentalscan/pkg/mesh"
	"dentalscan/pkg/progress"
)

// Stage names reported to progress.Reporter.
const (
	StageReduce    = "reduce"
	StageSmooth    = "smooth"
	StageFillHoles = "fill holes"
	StageTransform = "transform"
)

// Options configure the simplifier.
type Options struct {
	// Ceiling is the triangle count above which the mesh is decimated;
	// 0 disables reduction
	Ceiling int

	Smooth SmoothOptions

	// FillHoles enables the hole filling stage for loops of at most
	// MaxHoleEdges edges (0 fills every loop)
	FillHoles    bool
	MaxHoleEdges int

	// Transform places the mesh in physical space; nil keeps it in place
	Transform *geom.Mat4
}

// DefaultOptions mirrors the dental segmentation presets.
func DefaultOptions() Options {
	return Options{
		Ceiling:      300000,
		Smooth:       DefaultSmoothOptions(),
		MaxHoleEdges: 100,
	}
}

// Result describes what the simplifier did.
type Result struct {
	TrianglesBefore int
	TrianglesAfter  int

	// Reduction is the requested fraction of triangles to remove
	Reduction float64
	// ReductionShortfall is set when decimation stopped above its target
	ReductionShortfall bool

	HolesFilled int
}

// Simplifier runs the cleanup stages in a fixed order: reduce, smooth,
// fill holes, transform.
type Simplifier struct {
	opts     Options
	logger   *zap.SugaredLogger
	reporter progress.Reporter
}

// New creates a Simplifier. A nil logger or reporter disables that output.
func New(opts Options, logger *zap.SugaredLogger, reporter progress.Reporter) *Simplifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if reporter == nil {
		reporter = progress.Nop
	}
	return &Simplifier{opts: opts, logger: logger, reporter: reporter}
}

// Run processes m in place.
func (s *Simplifier) Run(m *mesh.Mesh) Result {
	res := Result{TrianglesBefore: m.NumTriangles()}

	res.Reduction = ReductionFactor(m.NumTriangles(), s.opts.Ceiling)
	if res.Reduction > 0 {
		dr := Decimate(m, s.opts.Ceiling, progress.Stage(s.reporter, StageReduce))
		res.ReductionShortfall = dr.Shortfall
		if dr.Shortfall {
			s.logger.Warnw("decimation stopped above target", "target", dr.Target, "triangles", m.NumTriangles())
		}
		s.logger.Debugw("decimated", "before", res.TrianglesBefore, "after", m.NumTriangles(), "reduction", res.Reduction)
	} else {
		s.reporter.Report(StageReduce, 1)
	}

	Smooth(m, s.opts.Smooth, progress.Stage(s.reporter, StageSmooth))

	if s.opts.FillHoles {
		res.HolesFilled = FillHoles(m, s.opts.MaxHoleEdges, progress.Stage(s.reporter, StageFillHoles))
		s.logger.Debugw("filled holes", "count", res.HolesFilled)
	}

	if s.opts.Transform != nil {
		m.Transform(*s.opts.Transform, mesh.Physical)
	}
	s.reporter.Report(StageTransform, 1)

	res.TrianglesAfter = m.NumTriangles()
	return res
}
