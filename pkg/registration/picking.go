package registration

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrSessionClosed is returned by every mutation after Cancel.
	ErrSessionClosed = errors.New("point picking session was cancelled")

	// ErrNothingToUndo is returned by Undo on a session with no points.
	ErrNothingToUndo = errors.New("no picked point to undo")
)

// SessionState is the state of a PointPickingSession.
type SessionState int

const (
	// SessionIdle has no points picked
	SessionIdle SessionState = iota
	// SessionPicking has points, but not enough matched pairs to commit
	SessionPicking
	// SessionReady has equally many base and align points, at least three
	SessionReady
	// SessionCancelled accepts no further input
	SessionCancelled
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionPicking:
		return "picking"
	case SessionReady:
		return "ready"
	case SessionCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Label prefixes for picked points.
const (
	BaseLabelPrefix  = "B"
	AlignLabelPrefix = "M"
)

// LandmarkPoint is a labelled point picked on one of the two surfaces.
type LandmarkPoint struct {
	Label    string `yaml:"label"`
	Position r3.Vec `yaml:"position"`
}

// PointPickingSession collects matched landmarks on a fixed base surface and
// a moving align surface. The host UI drives it from its own event loop.
type PointPickingSession struct {
	mu        sync.Mutex
	cancelled bool
	base      []LandmarkPoint
	align     []LandmarkPoint
	// order of additions, true for base, used by Undo
	history []bool
}

// NewPointPickingSession returns an idle session.
func NewPointPickingSession() *PointPickingSession {
	return &PointPickingSession{}
}

// State returns the current state.
func (s *PointPickingSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *PointPickingSession) stateLocked() SessionState {
	switch {
	case s.cancelled:
		return SessionCancelled
	case len(s.base) == 0 && len(s.align) == 0:
		return SessionIdle
	case len(s.base) == len(s.align) && len(s.base) >= MinCorrespondences:
		return SessionReady
	default:
		return SessionPicking
	}
}

// AddBasePoint appends a landmark on the base surface.
func (s *PointPickingSession) AddBasePoint(p r3.Vec) (LandmarkPoint, error) {
	return s.add(p, true)
}

// AddAlignPoint appends a landmark on the surface being moved.
func (s *PointPickingSession) AddAlignPoint(p r3.Vec) (LandmarkPoint, error) {
	return s.add(p, false)
}

func (s *PointPickingSession) add(p r3.Vec, base bool) (LandmarkPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return LandmarkPoint{}, ErrSessionClosed
	}
	var lp LandmarkPoint
	if base {
		lp = LandmarkPoint{Label: fmt.Sprintf("%s%d", BaseLabelPrefix, len(s.base)+1), Position: p}
		s.base = append(s.base, lp)
	} else {
		lp = LandmarkPoint{Label: fmt.Sprintf("%s%d", AlignLabelPrefix, len(s.align)+1), Position: p}
		s.align = append(s.align, lp)
	}
	s.history = append(s.history, base)
	return lp, nil
}

// Undo removes the most recently added point and returns it.
func (s *PointPickingSession) Undo() (LandmarkPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return LandmarkPoint{}, ErrSessionClosed
	}
	if len(s.history) == 0 {
		return LandmarkPoint{}, ErrNothingToUndo
	}
	base := s.history[len(s.history)-1]
	s.history = s.history[:len(s.history)-1]

	var lp LandmarkPoint
	if base {
		lp = s.base[len(s.base)-1]
		s.base = s.base[:len(s.base)-1]
	} else {
		lp = s.align[len(s.align)-1]
		s.align = s.align[:len(s.align)-1]
	}
	return lp, nil
}

// BasePoints returns a copy of the base landmarks.
func (s *PointPickingSession) BasePoints() []LandmarkPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LandmarkPoint(nil), s.base...)
}

// AlignPoints returns a copy of the align landmarks.
func (s *PointPickingSession) AlignPoints() []LandmarkPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LandmarkPoint(nil), s.align...)
}

// Commit fits the transform taking the align points onto the base points and
// resets the session to idle. On error the picked points are kept.
func (s *PointPickingSession) Commit() (RigidTransform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.stateLocked() {
	case SessionCancelled:
		return RigidTransform{}, ErrSessionClosed
	case SessionReady:
	default:
		return RigidTransform{}, errors.Wrapf(ErrInsufficientCorrespondences,
			"%d base and %d align points picked", len(s.base), len(s.align))
	}

	rt, err := ComputeRigidTransform(Positions(s.align), Positions(s.base))
	if err != nil {
		return RigidTransform{}, err
	}
	s.base, s.align, s.history = nil, nil, nil
	return rt, nil
}

// Cancel closes the session and discards the picked points.
func (s *PointPickingSession) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.base, s.align, s.history = nil, nil, nil
}

// Positions returns the coordinates of pts.
func Positions(pts []LandmarkPoint) []r3.Vec {
	out := make([]r3.Vec, len(pts))
	for i, p := range pts {
		out[i] = p.Position
	}
	return out
}
