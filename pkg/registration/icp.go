package registration

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"dentalscan/pkg/geom"
	"dentalscan/pkg/progress"
	"dentalscan/pkg/spatial"
)

// StageICP is the progress stage name used by Refiner.
const StageICP = "icp"

// ICPOptions configure a Refiner.
type ICPOptions struct {
	MaxIterations int
	// Epsilon is the largest correspondence distance accepted as converged
	Epsilon float64
	// MaxSourcePoints caps the source cloud; larger clouds are strided
	MaxSourcePoints int
	// MatchCentroids translates the source centroid onto the target
	// centroid before the first iteration
	MatchCentroids bool
}

// DefaultICPOptions returns the options used by the align commands.
func DefaultICPOptions() ICPOptions {
	return ICPOptions{
		MaxIterations:   30,
		Epsilon:         1e-4,
		MaxSourcePoints: 10000,
	}
}

// State is a step of the refinement loop.
type State int

const (
	StateInit State = iota
	StateCorrespond
	StateSolve
	StateApply
	StateContinue
	StateConverged
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateCorrespond:
		return "correspond"
	case StateSolve:
		return "solve"
	case StateApply:
		return "apply"
	case StateContinue:
		return "continue"
	case StateConverged:
		return "converged"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Status tells why a run stopped.
type Status int

const (
	StatusConverged Status = iota
	StatusMaxIterations
	// StatusNoCorrespondences means no source point found a target; the
	// initial transform is returned unchanged
	StatusNoCorrespondences
	// StatusDegenerate means the matched pairs no longer determine a
	// rotation; the last good transform is returned
	StatusDegenerate
)

func (s Status) String() string {
	switch s {
	case StatusConverged:
		return "converged"
	case StatusMaxIterations:
		return "max iterations"
	case StatusNoCorrespondences:
		return "no correspondences"
	case StatusDegenerate:
		return "degenerate"
	}
	return "unknown"
}

// ICPResult is the outcome of Refiner.Run.
type ICPResult struct {
	// Transform maps the original source points into the target frame,
	// initial transform included
	Transform  geom.Mat4
	Iterations int
	Status     Status

	// History holds the max correspondence distance after each iteration
	History []float64

	MaxDistance     float64
	MeanDistance    float64
	Correspondences int
}

// Refiner runs iterative closest point against a fixed target index. Only
// the source moves; the target index is built once and never changes.
type Refiner struct {
	target   *spatial.Index
	opts     ICPOptions
	logger   *zap.SugaredLogger
	reporter progress.Reporter

	mu       sync.Mutex
	state    State
	onChange func(State)
}

// NewRefiner creates a Refiner. A nil logger disables logging.
func NewRefiner(target *spatial.Index, opts ICPOptions, logger *zap.SugaredLogger) *Refiner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultICPOptions().MaxIterations
	}
	return &Refiner{target: target, opts: opts, logger: logger, reporter: progress.Nop}
}

// SetReporter sends per-iteration progress to r.
func (rf *Refiner) SetReporter(r progress.Reporter) {
	if r == nil {
		r = progress.Nop
	}
	rf.reporter = r
}

// OnStateChange registers fn to be called on every state transition.
func (rf *Refiner) OnStateChange(fn func(State)) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.onChange = fn
}

// State returns the current state.
func (rf *Refiner) State() State {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.state
}

func (rf *Refiner) setState(s State) {
	rf.mu.Lock()
	rf.state = s
	fn := rf.onChange
	rf.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// stride keeps every step-th point so that at most limit remain.
func stride(pts []r3.Vec, limit int) []r3.Vec {
	if limit <= 0 || len(pts) <= limit {
		return pts
	}
	step := (len(pts) + limit - 1) / limit
	out := make([]r3.Vec, 0, len(pts)/step+1)
	for i := 0; i < len(pts); i += step {
		out = append(out, pts[i])
	}
	return out
}

type pairs struct {
	source []r3.Vec
	target []r3.Vec
}

// correspond matches every moved source point to its nearest target point.
// Each target point is used at most once; the first source to claim it wins.
func (rf *Refiner) correspond(moved []r3.Vec) pairs {
	var p pairs
	seen := make(map[int]struct{})
	for _, s := range moved {
		m, ok := rf.target.Nearest(s)
		if !ok {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		p.source = append(p.source, s)
		p.target = append(p.target, m.Point)
	}
	return p
}

// Run refines initial so that source, transformed by it, lies on the target.
// The loop stops on convergence, the iteration cap, a loss of
// correspondences or context cancellation.
func (rf *Refiner) Run(ctx context.Context, source []r3.Vec, initial geom.Mat4) (ICPResult, error) {
	rf.setState(StateInit)
	res := ICPResult{Transform: initial}

	pts := stride(source, rf.opts.MaxSourcePoints)
	current := initial

	if rf.opts.MatchCentroids && len(pts) > 0 {
		if tc, ok := rf.target.Centroid(); ok {
			moved := make([]r3.Vec, len(pts))
			for i, p := range pts {
				moved[i] = current.Apply(p)
			}
			current = geom.Translate(r3.Sub(tc, centroid(moved))).Mul(current)
			res.Transform = current
		}
	}

	moved := make([]r3.Vec, len(pts))
	for res.Iterations < rf.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			rf.setState(StateTerminated)
			return res, errors.Wrap(err, "icp cancelled")
		}

		rf.setState(StateCorrespond)
		for i, p := range pts {
			moved[i] = current.Apply(p)
		}
		pr := rf.correspond(moved)
		if len(pr.source) == 0 {
			if res.Iterations == 0 {
				res.Status = StatusNoCorrespondences
				rf.logger.Warnw("icp found no correspondences", "source", len(pts), "target", rf.target.Len())
				rf.setState(StateTerminated)
				return res, nil
			}
			res.Status = StatusDegenerate
			rf.setState(StateTerminated)
			return res, nil
		}

		rf.setState(StateSolve)
		step, err := ComputeRigidTransform(pr.source, pr.target)
		if err != nil {
			if errors.Is(err, ErrInsufficientCorrespondences) || errors.Is(err, ErrDegenerateConfiguration) {
				rf.logger.Warnw("icp stopped on degenerate correspondences", "pairs", len(pr.source), "error", err)
				res.Status = StatusDegenerate
				res.Correspondences = len(pr.source)
				rf.setState(StateTerminated)
				return res, nil
			}
			rf.setState(StateTerminated)
			return res, err
		}

		rf.setState(StateApply)
		current = step.Matrix().Mul(current)
		res.Transform = current
		res.Iterations++

		dists := make([]float64, len(pr.source))
		for i := range pr.source {
			dists[i] = r3.Norm(r3.Sub(step.Apply(pr.source[i]), pr.target[i]))
		}
		res.MaxDistance = floats.Max(dists)
		res.MeanDistance = stat.Mean(dists, nil)
		res.Correspondences = len(pr.source)
		res.History = append(res.History, res.MaxDistance)

		rf.reporter.Report(StageICP, float64(res.Iterations)/float64(rf.opts.MaxIterations))
		rf.logger.Debugw("icp iteration", "iteration", res.Iterations, "pairs", len(pr.source),
			"max", res.MaxDistance, "mean", res.MeanDistance)

		if res.MaxDistance < rf.opts.Epsilon {
			res.Status = StatusConverged
			rf.setState(StateConverged)
			rf.reporter.Report(StageICP, 1)
			return res, nil
		}
		rf.setState(StateContinue)
	}

	res.Status = StatusMaxIterations
	rf.setState(StateTerminated)
	return res, nil
}

// Residual returns the max and mean distance from each transformed source
// point to its nearest target point.
func Residual(target *spatial.Index, source []r3.Vec, t geom.Mat4) (maxDist, meanDist float64) {
	if len(source) == 0 || target.Len() == 0 {
		return 0, 0
	}
	dists := make([]float64, 0, len(source))
	for _, p := range source {
		m, ok := target.Nearest(t.Apply(p))
		if ok {
			dists = append(dists, m.Distance)
		}
	}
	return floats.Max(dists), stat.Mean(dists, nil)
}
