package sched

import (
	"context"
	"sync"
)

// Static is an in-memory scheduler seeded with a fixed point list per recall
// set. It records submitted reviews without recomputing anything; useful for
// local runs and tests.
type Static struct {
	mu      sync.Mutex
	points  map[string][]Point
	reviews []Review
}

// NewStatic builds a Static scheduler from recall-set ID to point list.
func NewStatic(points map[string][]Point) *Static {
	cp := make(map[string][]Point, len(points))
	for k, v := range points {
		cp[k] = append([]Point(nil), v...)
	}
	return &Static{points: cp}
}

func (s *Static) DuePoints(_ context.Context, recallSetID string) ([]Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.points[recallSetID]...), nil
}

func (s *Static) SubmitReview(_ context.Context, r Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := false
	for _, pts := range s.points {
		for _, p := range pts {
			if p.ID == r.PointID {
				known = true
			}
		}
	}
	if !known {
		return ErrUnknownPoint
	}
	s.reviews = append(s.reviews, r)
	return nil
}

// Reviews returns a copy of everything submitted so far.
func (s *Static) Reviews() []Review {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Review(nil), s.reviews...)
}
