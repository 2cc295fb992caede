package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"dentalscan/internal/logging"
	"dentalscan/internal/models"
	"dentalscan/pkg/config"
	"dentalscan/pkg/geom"
	"dentalscan/pkg/mesh"
	"dentalscan/pkg/registration"
	"dentalscan/pkg/segmentation"
	"dentalscan/pkg/spatial"
	"dentalscan/pkg/stl"
	"dentalscan/pkg/visualization"
	"dentalscan/pkg/volume"
)

// setup loads the configuration named by the global flags and builds the
// logger for one command.
func setup(c *cli.Context, name string) (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig(c.String(generalFlagConfig))
	if err != nil {
		return nil, nil, err
	}
	verbose := c.Bool(generalFlagVerbose) || cfg.Output.Verbose
	logger, err := logging.NewLogger(name, verbose)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create logger")
	}
	return cfg, logger, nil
}

func showProgress(c *cli.Context) bool {
	return !c.Bool(generalFlagNoProgress)
}

// loadVolume reads an NRRD file, or a directory of slice images stacked with
// the processing spacing from cfg.
func loadVolume(path string, cfg *config.Config) (*volume.Volume, models.PatientTags, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, models.PatientTags{}, errors.Wrap(err, "error reading input")
	}
	if info.IsDir() {
		v, err := volume.LoadSliceStack(path, cfg.Processing.PixelSpacing, cfg.Processing.SliceGap)
		return v, models.PatientTags{}, err
	}
	return volume.LoadNRRD(path)
}

// icpPasses returns the --passes override, or configured when it is unset.
func icpPasses(c *cli.Context, configured int) (int, error) {
	if !c.IsSet(alignFlagPasses) {
		return configured, nil
	}
	n := c.Int(alignFlagPasses)
	if n < 1 {
		return 0, errors.Errorf("--%s must be at least 1, got %d", alignFlagPasses, n)
	}
	return n, nil
}

// selectSegments picks the configured segments named on the command line, or
// a single custom one when a threshold was given.
func selectSegments(c *cli.Context, cfg *config.Config) ([]segmentation.Segment, error) {
	if c.IsSet(segmentFlagThreshold) {
		return []segmentation.Segment{{Name: "custom", Threshold: c.Float64(segmentFlagThreshold)}}, nil
	}
	names := c.StringSlice(segmentFlagSegment)
	if len(names) == 0 {
		return cfg.Segmentation.Segments, nil
	}
	byName := make(map[string]segmentation.Segment, len(cfg.Segmentation.Segments))
	for _, s := range cfg.Segmentation.Segments {
		byName[s.Name] = s
	}
	out := make([]segmentation.Segment, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, errors.Errorf("segment %q is not configured", n)
		}
		out = append(out, s)
	}
	return out, nil
}

func segmentAction(c *cli.Context) error {
	cfg, logger, err := setup(c, "segment")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	segments, err := selectSegments(c, cfg)
	if err != nil {
		return err
	}
	v, tags, err := loadVolume(c.String(segmentFlagInput), cfg)
	if err != nil {
		return err
	}
	lo, hi := v.Range()
	logger.Infow("loaded volume", "dims", v.Dims, "spacing", v.Spacing, "min", lo, "max", hi,
		"patient", tags.PatientID)

	base, err := cfg.PipelineContext(v)
	if err != nil {
		return err
	}
	base.OutputFile = c.String(segmentFlagOutput)
	if c.Bool(segmentFlagClosed) {
		base.ClosedBoundary = true
	}
	if c.Bool(segmentFlagIntermediary) {
		base.SaveIntermediaryResults = true
	}

	start := time.Now()
	reporter, finish := startProgress("segmenting", showProgress(c), logger)
	segmenter := segmentation.NewSegmenter(logger, reporter)
	segmenter.SetWorkers(cfg.Processing.NumCores)
	results, err := segmenter.ProcessSegments(c.Context, base, segments)
	finish(err)
	if err != nil {
		return err
	}

	for _, res := range results {
		if res.Empty {
			pterm.Warning.Printfln("%s: threshold outside the data range, nothing extracted", res.Name)
			continue
		}
		pterm.Info.Printfln("%s: %d triangles, closed=%v, %d holes filled -> %s",
			res.Name, res.Stats.Triangles, res.Stats.Closed, res.Simplify.HolesFilled, res.OutputFile)
	}
	fmt.Printf("Segmentation completed in %.2f seconds\n", time.Since(start).Seconds())
	if base.SaveIntermediaryResults {
		fmt.Printf("Intermediary results saved to: %s\n", base.IntermediaryDir)
	}
	return nil
}

// landmarkFile lists the points picked on each surface, in matching order.
type landmarkFile struct {
	Base   []r3.Vec `yaml:"base"`
	Moving []r3.Vec `yaml:"moving"`
}

// loadLandmarks reads a landmark file into a ready picking session.
func loadLandmarks(path string) (*registration.PointPickingSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading landmark file")
	}
	var lf landmarkFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, errors.Wrap(err, "error parsing landmark file")
	}

	session := registration.NewPointPickingSession()
	for _, p := range lf.Base {
		if _, err := session.AddBasePoint(p); err != nil {
			return nil, err
		}
	}
	for _, p := range lf.Moving {
		if _, err := session.AddAlignPoint(p); err != nil {
			return nil, err
		}
	}
	if session.State() != registration.SessionReady {
		return nil, errors.Wrapf(registration.ErrInsufficientCorrespondences,
			"%s has %d base and %d moving points", path, len(lf.Base), len(lf.Moving))
	}
	return session, nil
}

func loadSurfaces(c *cli.Context, logger *zap.SugaredLogger) (base, moving *mesh.Mesh, err error) {
	base, err = stl.LoadMesh(c.String(alignFlagBase))
	if err != nil {
		return nil, nil, err
	}
	moving, err = stl.LoadMesh(c.String(alignFlagMoving))
	if err != nil {
		return nil, nil, err
	}
	logger.Infow("loaded surfaces", "base", len(base.Vertices), "moving", len(moving.Vertices))
	return base, moving, nil
}

// writeAligned moves the moving surface by t and saves it.
func writeAligned(moving *mesh.Mesh, t geom.Mat4, path string) error {
	moving.Transform(t, mesh.Physical)
	if err := stl.SaveMesh(path, moving); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func printTransform(t geom.Mat4) error {
	data := pterm.TableData{}
	for i := 0; i < 4; i++ {
		row := make([]string, 4)
		for j := range row {
			row[j] = fmt.Sprintf("%.6f", t.At(i, j))
		}
		data = append(data, row)
	}
	return pterm.DefaultTable.WithData(data).Render()
}

func alignAction(c *cli.Context) error {
	cfg, logger, err := setup(c, "align")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	session, err := loadLandmarks(c.String(alignFlagLandmarks))
	if err != nil {
		return err
	}
	base, moving, err := loadSurfaces(c, logger)
	if err != nil {
		return err
	}

	opts := cfg.AlignOptions()
	if r := c.Float64(alignFlagRadius); r >= 0 {
		opts.Radius = r
	}
	if opts.Passes, err = icpPasses(c, opts.Passes); err != nil {
		return err
	}

	basePts, movingPts := session.BasePoints(), session.AlignPoints()
	res, err := registration.AlignWithLandmarks(c.Context, base.Vertices, moving.Vertices,
		registration.Positions(basePts), registration.Positions(movingPts), opts, logger)
	if err != nil {
		return err
	}

	for i, p := range movingPts {
		moved := res.Transform.Apply(p.Position)
		logger.Debugw("landmark residual", "pair", fmt.Sprintf("%s-%s", basePts[i].Label, p.Label),
			"distance", r3.Norm(r3.Sub(moved, basePts[i].Position)))
	}
	pterm.Info.Printfln("landmark fit rmse %.4f mm", res.Landmark.RMSE)
	for i, pass := range res.Passes {
		pterm.Info.Printfln("icp pass %d: %s after %d iterations, max %.4f mm, mean %.4f mm",
			i+1, pass.Status, pass.Iterations, pass.MaxDistance, pass.MeanDistance)
	}
	if err := printTransform(res.Transform); err != nil {
		return err
	}
	return writeAligned(moving, res.Transform, c.String(alignFlagOutput))
}

func icpAction(c *cli.Context) error {
	cfg, logger, err := setup(c, "icp")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	opts := cfg.AlignOptions()
	if opts.Passes, err = icpPasses(c, opts.Passes); err != nil {
		return err
	}
	base, moving, err := loadSurfaces(c, logger)
	if err != nil {
		return err
	}
	if c.Bool(icpFlagMatchCentroids) {
		opts.ICP.MatchCentroids = true
	}

	target := spatial.FromPoints(base.Vertices)
	reporter, finish := startProgress("refining", showProgress(c), logger)
	transform := geom.Identity()
	for i := 0; i < opts.Passes; i++ {
		refiner := registration.NewRefiner(target, opts.ICP, logger)
		refiner.SetReporter(reporter)
		refiner.OnStateChange(func(s registration.State) {
			logger.Debugw("icp state", "pass", i+1, "state", s.String())
		})
		var res registration.ICPResult
		res, err = refiner.Run(c.Context, moving.Vertices, transform)
		if err != nil {
			break
		}
		transform = res.Transform
		pterm.Info.Printfln("icp pass %d: %s after %d iterations, max %.4f mm, mean %.4f mm",
			i+1, res.Status, res.Iterations, res.MaxDistance, res.MeanDistance)
		if res.Status == registration.StatusNoCorrespondences || res.Status == registration.StatusDegenerate {
			break
		}
		// later passes start from the refined transform
		opts.ICP.MatchCentroids = false
	}
	finish(err)
	if err != nil {
		return err
	}

	maxDist, meanDist := registration.Residual(target, moving.Vertices, transform)
	logger.Infow("final residual", "max", maxDist, "mean", meanDist)
	if err := printTransform(transform); err != nil {
		return err
	}
	return writeAligned(moving, transform, c.String(alignFlagOutput))
}

func slicesAction(c *cli.Context) error {
	cfg, logger, err := setup(c, "slices")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	v, _, err := loadVolume(c.String(slicesFlagInput), cfg)
	if err != nil {
		return err
	}
	viewer, err := visualization.NewViewer(v, cfg.Segmentation.WindowMin, cfg.Segmentation.WindowMax)
	if err != nil {
		return err
	}
	flip := cfg.Output.FlipSlices
	if c.IsSet(slicesFlagFlip) {
		flip = c.Bool(slicesFlagFlip)
	}
	viewer.SetFlip(flip)
	viewer.SetWorkers(cfg.Processing.NumCores)

	outputDir := c.String(slicesFlagOutput)
	axes := []string{c.String(slicesFlagAxis)}
	if axes[0] == "all" {
		axes = []string{"x", "y", "z"}
	}
	for _, axis := range axes {
		dir := outputDir
		if len(axes) > 1 {
			dir = filepath.Join(outputDir, axis)
		}
		reporter, finish := startProgress(fmt.Sprintf("%s-axis slices", axis), showProgress(c), logger)
		n, err := viewer.SaveSliceSequence(c.Context, axis, dir, reporter)
		finish(err)
		if err != nil {
			return err
		}
		fmt.Printf("Saved %d %s-axis slices to: %s\n", n, axis, dir)
	}
	return nil
}

func infoAction(c *cli.Context) error {
	cfg, logger, err := setup(c, "info")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	v, tags, err := loadVolume(c.String(segmentFlagInput), cfg)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(v.Metadata(tags))
	if err != nil {
		return errors.Wrap(err, "error marshaling metadata")
	}
	fmt.Print(string(out))
	return nil
}

func configInitAction(c *cli.Context) error {
	path := c.String(configFlagPath)
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("%s already exists", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	pterm.Success.Printfln("wrote default configuration to %s", path)
	return nil
}
