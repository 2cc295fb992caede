package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"dentalscan/pkg/config"
	"dentalscan/pkg/registration"
)

type fakeSpinner struct {
	mu        sync.Mutex
	texts     []string
	successes []string
	failures  []string
}

func (f *fakeSpinner) Stop() error { return nil }

func (f *fakeSpinner) Success(message ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, fmt.Sprint(message...))
}

func (f *fakeSpinner) Fail(message ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, fmt.Sprint(message...))
}

func (f *fakeSpinner) UpdateText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func withFakeSpinner(t *testing.T) *fakeSpinner {
	t.Helper()
	fs := &fakeSpinner{}
	prev := newSpinner
	newSpinner = func(string) (progressSpinner, error) { return fs, nil }
	t.Cleanup(func() { newSpinner = prev })
	return fs
}

func TestStartProgressSuccess(t *testing.T) {
	fs := withFakeSpinner(t)
	reporter, finish := startProgress("segmenting", true, zap.NewNop().Sugar())
	reporter.Report("bone: extract", 0.5)
	finish(nil)

	require.Len(t, fs.successes, 1)
	assert.Equal(t, "segmenting", fs.successes[0])
	assert.Empty(t, fs.failures)
	assert.Contains(t, fs.texts, "segmenting: bone: extract  50%")
}

func TestStartProgressFailure(t *testing.T) {
	fs := withFakeSpinner(t)
	_, finish := startProgress("refining", true, zap.NewNop().Sugar())
	finish(errors.New("boom"))

	require.Len(t, fs.failures, 1)
	assert.Equal(t, "refining: boom", fs.failures[0])
	assert.Empty(t, fs.successes)
}

func TestStartProgressDisabled(t *testing.T) {
	fs := withFakeSpinner(t)
	reporter, finish := startProgress("slices", false, zap.NewNop().Sugar())
	reporter.Report("slices", 1)
	finish(nil)
	assert.Empty(t, fs.texts)
	assert.Empty(t, fs.successes)
}

func newContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("segment", flag.ContinueOnError)
	set.Var(&cli.StringSlice{}, segmentFlagSegment, "")
	set.Float64(segmentFlagThreshold, 0, "")
	require.NoError(t, set.Parse(args))
	return cli.NewContext(nil, set, nil)
}

func TestSelectSegments(t *testing.T) {
	cfg := config.DefaultConfig()

	segs, err := selectSegments(newContext(t), cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Segmentation.Segments, segs)

	segs, err = selectSegments(newContext(t, "--segment", "teeth"), cfg)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, 1400.0, segs[0].Threshold)

	segs, err = selectSegments(newContext(t, "--threshold", "900"), cfg)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "custom", segs[0].Name)
	assert.Equal(t, 900.0, segs[0].Threshold)

	_, err = selectSegments(newContext(t, "--segment", "enamel"), cfg)
	assert.ErrorContains(t, err, "enamel")
}

func TestLoadLandmarks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "points.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base:
  - {x: 0, y: 0, z: 0}
  - {x: 10, y: 0, z: 0}
  - {x: 0, y: 10, z: 0}
moving:
  - {x: 1, y: 0, z: 0}
  - {x: 11, y: 0, z: 0}
  - {x: 1, y: 10, z: 0}
`), 0644))

	session, err := loadLandmarks(path)
	require.NoError(t, err)
	assert.Equal(t, registration.SessionReady, session.State())
	base := session.BasePoints()
	require.Len(t, base, 3)
	assert.Equal(t, "B1", base[0].Label)
	assert.Equal(t, 10.0, base[1].Position.X)
	assert.Equal(t, 11.0, session.AlignPoints()[1].Position.X)

	require.NoError(t, os.WriteFile(path, []byte("base:\n  - {x: 0, y: 0, z: 0}\nmoving: []\n"), 0644))
	_, err = loadLandmarks(path)
	assert.ErrorIs(t, err, registration.ErrInsufficientCorrespondences)
	assert.Equal(t, 2, exitCode(err))

	_, err = loadLandmarks(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestICPPasses(t *testing.T) {
	parse := func(args ...string) *cli.Context {
		set := flag.NewFlagSet("icp", flag.ContinueOnError)
		set.Int(alignFlagPasses, 0, "")
		require.NoError(t, set.Parse(args))
		return cli.NewContext(nil, set, nil)
	}

	n, err := icpPasses(parse(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = icpPasses(parse("--passes", "5"), 2)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, bad := range []string{"0", "-3"} {
		_, err = icpPasses(parse("--passes", bad), 2)
		assert.ErrorContains(t, err, "--passes must be at least 1", bad)
	}
}
