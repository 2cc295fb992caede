package segmentation

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultSegments are the dental presets, in Hounsfield units.
func DefaultSegments() []Segment {
	return []Segment{
		{Name: "bone", Threshold: 300},
		{Name: "teeth", Threshold: 1400},
	}
}

// ProcessSegments runs base once per segment, at most SetWorkers at a
// time. Every run
// windows and resamples its own copy of the volume, so runs share nothing
// but the read-only source. Results keep the order of segments; the first
// failure cancels the remaining runs.
func (s *Segmenter) ProcessSegments(ctx context.Context, base PipelineContext, segments []Segment) ([]*Result, error) {
	if len(segments) == 0 {
		return nil, errors.Wrap(ErrInvalidContext, "no segments")
	}
	// fail before starting any worker
	for _, seg := range segments {
		if err := base.WithSegment(seg).Validate(); err != nil {
			return nil, errors.Wrapf(err, "segment %q", seg.Name)
		}
	}

	results := make([]*Result, len(segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, seg := range segments {
		i := i
		pc := base.WithSegment(seg)
		g.Go(func() error {
			res, err := s.Process(gctx, pc)
			if err != nil {
				return errors.Wrapf(err, "segment %q", pc.Name)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
