// Package segmentation turns a CT volume into printable surface meshes.
//
// The pipeline follows the steps a dental segmentation goes through:
//  1. Validating the request before any voxel is touched
//  2. Cropping to the region of interest
//  3. Windowing Hounsfield units into the 8-bit range
//  4. Resampling to the working resolution
//  5. Extracting the iso-surface with marching cubes
//  6. Simplifying the surface and placing it in physical space
package segmentation

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"

	"dentalscan/internal/models"
	"dentalscan/pkg/geom"
	"dentalscan/pkg/isosurface"
	"dentalscan/pkg/mesh"
	"dentalscan/pkg/progress"
	"dentalscan/pkg/simplify"
	"dentalscan/pkg/stl"
	"dentalscan/pkg/volume"
)

// ErrInvalidContext is returned when a PipelineContext cannot be processed.
var ErrInvalidContext = errors.New("invalid segmentation request")

// Stage names reported in addition to the simplifier's.
const (
	StageWindow  = "window"
	StageResize  = "resize"
	StageExtract = "extract"
)

// Segment names one threshold of a multi-segment run.
type Segment struct {
	Name string `yaml:"name"`
	// Threshold is in Hounsfield units for raw volumes and in byte values
	// for volumes that are already windowed
	Threshold float64 `yaml:"threshold"`
}

// PipelineContext holds everything one segmentation run needs. It is passed
// by value; the source volume is never modified.
type PipelineContext struct {
	// Volume is the scan to segment.
	Volume *volume.Volume

	// Name labels logs, progress stages and output files.
	Name string

	// Threshold is the iso-value, see Segment.Threshold.
	Threshold float64

	// WindowMin and WindowMax bound the Hounsfield window mapped to 0..255.
	WindowMin float64
	WindowMax float64

	// Crop restricts processing to a voxel box. The zero Region keeps the
	// whole volume.
	Crop volume.Region

	// ResizePolicy decides when the volume is resampled to TargetSpacing,
	// an isotropic spacing in mm. MaxVoxels bounds the resampled grid;
	// 0 leaves it unbounded.
	ResizePolicy  volume.ResizePolicy
	TargetSpacing float64
	MaxVoxels     int

	// ClosedBoundary caps surfaces cut by the volume border.
	ClosedBoundary bool

	// SearchIterations switches extraction to bisection search along
	// crossing edges; see isosurface.Options. Zero keeps the table lookup.
	SearchIterations int

	// Simplify configures the cleanup stages. Its Transform is replaced by
	// the volume placement, composed with Transform below.
	Simplify simplify.Options

	// Transform is applied after the volume placement; nil applies none.
	Transform *geom.Mat4

	// OutputFile, when set, receives the final mesh as binary STL.
	OutputFile string

	// SaveIntermediaryResults writes the windowed volume (NRRD) and the raw
	// extracted mesh (STL) into IntermediaryDir.
	SaveIntermediaryResults bool
	IntermediaryDir         string
}

// DefaultContext returns a context for v with the dental bone preset.
func DefaultContext(v *volume.Volume) PipelineContext {
	return PipelineContext{
		Volume:        v,
		Name:          "bone",
		Threshold:     300,
		WindowMin:     -400,
		WindowMax:     3000,
		ResizePolicy:  volume.ResizeUpsample,
		TargetSpacing: 0.25,
		MaxVoxels:     256 * 256 * 256,
		Simplify:      simplify.DefaultOptions(),
	}
}

// WithSegment returns a copy of pc for seg.
func (pc PipelineContext) WithSegment(seg Segment) PipelineContext {
	pc.Name = seg.Name
	pc.Threshold = seg.Threshold
	if pc.OutputFile != "" {
		ext := filepath.Ext(pc.OutputFile)
		pc.OutputFile = fmt.Sprintf("%s_%s%s", pc.OutputFile[:len(pc.OutputFile)-len(ext)], seg.Name, ext)
	}
	if pc.IntermediaryDir != "" {
		pc.IntermediaryDir = filepath.Join(pc.IntermediaryDir, seg.Name)
	}
	return pc
}

// Validate reports every problem with pc at once.
func (pc PipelineContext) Validate() error {
	if pc.Volume == nil {
		return errors.Wrap(volume.ErrInvalidVolume, "no volume")
	}
	if err := pc.Volume.Validate(); err != nil {
		return err
	}

	var err error
	if math.IsNaN(pc.Threshold) || math.IsInf(pc.Threshold, 0) {
		err = multierr.Append(err, fmt.Errorf("threshold %v is not finite", pc.Threshold))
	}
	if !pc.Volume.Windowed && !(pc.WindowMax > pc.WindowMin) {
		err = multierr.Append(err, fmt.Errorf("window [%g, %g] is empty", pc.WindowMin, pc.WindowMax))
	}
	if pc.ResizePolicy != volume.ResizeNever && !(pc.TargetSpacing > 0) {
		err = multierr.Append(err, fmt.Errorf("target spacing %g must be positive", pc.TargetSpacing))
	}
	if pc.SearchIterations < 0 {
		err = multierr.Append(err, fmt.Errorf("search iterations %d is negative", pc.SearchIterations))
	}
	if pc.MaxVoxels < 0 {
		err = multierr.Append(err, fmt.Errorf("max voxels %d is negative", pc.MaxVoxels))
	}
	if pc.Simplify.Ceiling < 0 {
		err = multierr.Append(err, fmt.Errorf("triangle ceiling %d is negative", pc.Simplify.Ceiling))
	}
	if pc.SaveIntermediaryResults && pc.IntermediaryDir == "" {
		err = multierr.Append(err, errors.New("intermediary results requested without a directory"))
	}
	if !pc.Crop.Empty() {
		for a := 0; a < 3; a++ {
			if pc.Crop.Min[a] < 0 || pc.Crop.Max[a] > pc.Volume.Dims[a] || pc.Crop.Min[a] >= pc.Crop.Max[a] {
				err = multierr.Append(err, fmt.Errorf("crop axis %d range [%d,%d) outside [0,%d)",
					a, pc.Crop.Min[a], pc.Crop.Max[a], pc.Volume.Dims[a]))
			}
		}
	}
	if err != nil {
		return errors.Wrap(ErrInvalidContext, err.Error())
	}
	return nil
}

// Result is the outcome of one segmentation run.
type Result struct {
	Name string

	// Mesh is in physical space; it has no triangles when Empty is set.
	Mesh *mesh.Mesh

	// Empty is set when the threshold lies outside the data range. It is
	// a warning for the caller, not an error.
	Empty bool

	ByteThreshold float64
	Resampled     bool
	Spacing       r3.Vec

	Simplify simplify.Result
	Stats    mesh.Stats

	// Metadata describes the volume the surface was extracted from.
	Metadata models.VolumeMetadata

	OutputFile string
}

// Segmenter runs PipelineContexts.
type Segmenter struct {
	logger   *zap.SugaredLogger
	reporter progress.Reporter
	workers  int
}

// NewSegmenter creates a Segmenter. A nil logger or reporter disables that
// output.
func NewSegmenter(logger *zap.SugaredLogger, reporter progress.Reporter) *Segmenter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if reporter == nil {
		reporter = progress.Nop
	}
	return &Segmenter{logger: logger, reporter: reporter, workers: runtime.NumCPU()}
}

// SetWorkers bounds how many segments ProcessSegments runs at once.
func (s *Segmenter) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	s.workers = n
}

// Process runs the complete segmentation pipeline for pc.
//
// Parameters:
//   - ctx: cancels the run between steps
//   - pc: the request; validated before any allocation
//
// Returns:
//   - the result, with Empty set when nothing was extracted
//   - an error wrapping volume.ErrInvalidVolume or ErrInvalidContext for bad
//     input, or the I/O error of an output file
func (s *Segmenter) Process(ctx context.Context, pc PipelineContext) (*Result, error) {
	log := s.logger.With("segment", pc.Name)
	rep := progress.Named{Parent: s.reporter, Name: pc.Name}

	// Step 1: validate
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	if pc.SaveIntermediaryResults {
		if err := os.MkdirAll(pc.IntermediaryDir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create intermediary directory")
		}
	}

	// Step 2: crop
	v := pc.Volume
	if !pc.Crop.Empty() {
		cropped, err := volume.Crop(v, pc.Crop)
		if err != nil {
			return nil, err
		}
		log.Debugw("cropped", "from", v.Dims, "to", cropped.Dims)
		v = cropped
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 3: window
	threshold := pc.Threshold
	if !v.Windowed {
		v = volume.WindowToByte(v, pc.WindowMin, pc.WindowMax)
		threshold = volume.HUToByte(pc.Threshold, pc.WindowMin, pc.WindowMax)
	}
	threshold = volume.ClampByteThreshold(threshold)
	rep.Report(StageWindow, 1)
	log.Debugw("windowed", "hu", pc.Threshold, "byte", threshold)
	if pc.SaveIntermediaryResults {
		path := filepath.Join(pc.IntermediaryDir, "01_windowed.nrrd")
		if err := volume.SaveNRRD(path, v, models.PatientTags{}, true); err != nil {
			log.Warnw("failed to save intermediary volume", "path", path, "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 4: resize
	res := &Result{Name: pc.Name, ByteThreshold: threshold}
	if pc.ResizePolicy != volume.ResizeNever {
		target := r3.Vec{X: pc.TargetSpacing, Y: pc.TargetSpacing, Z: pc.TargetSpacing}
		resized, changed, err := volume.ResizeIfNeeded(v, target, pc.ResizePolicy, pc.MaxVoxels)
		if err != nil {
			return nil, err
		}
		if changed {
			log.Debugw("resampled", "from", v.Dims, "to", resized.Dims, "spacing", resized.Spacing)
		}
		v, res.Resampled = resized, changed
	}
	res.Spacing = v.Spacing
	res.Metadata = v.Metadata(models.PatientTags{})
	rep.Report(StageResize, 1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 5: extract
	m, err := isosurface.Extract(v, threshold, isosurface.Options{
		ClosedBoundary:   pc.ClosedBoundary,
		SearchIterations: pc.SearchIterations,
		Progress:         progress.Stage(rep, StageExtract),
	})
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		log.Warnw("threshold produced no surface", "byte", threshold)
		res.Empty = true
		res.Mesh = mesh.New(mesh.Physical)
		return res, nil
	}
	log.Infow("extracted surface", "vertices", len(m.Vertices), "triangles", m.NumTriangles())
	if pc.SaveIntermediaryResults {
		path := filepath.Join(pc.IntermediaryDir, "02_extracted.stl")
		if err := stl.SaveMesh(path, m); err != nil {
			log.Warnw("failed to save intermediary mesh", "path", path, "error", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Step 6: simplify and place
	placement := v.PlacementTransform()
	if pc.Transform != nil {
		placement = pc.Transform.Mul(placement)
	}
	opts := pc.Simplify
	opts.Transform = &placement
	res.Simplify = simplify.New(opts, log, rep).Run(m)
	res.Mesh = m
	res.Stats = m.ComputeStats()
	log.Infow("simplified surface", "triangles", res.Stats.Triangles, "closed", res.Stats.Closed,
		"holes_filled", res.Simplify.HolesFilled)
	if res.Stats.SingularVertices > 0 {
		log.Warnw("surface has pinch points", "vertices", res.Stats.SingularVertices)
	}

	if pc.OutputFile != "" {
		if err := stl.SaveMesh(pc.OutputFile, m); err != nil {
			return nil, errors.Wrapf(err, "failed to write %s", pc.OutputFile)
		}
		res.OutputFile = pc.OutputFile
		log.Infow("saved mesh", "path", pc.OutputFile)
	}
	return res, nil
}
