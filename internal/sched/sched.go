// Package sched is the boundary to the spaced-repetition scheduler. The
// session engine hands evaluation outcomes across this boundary and receives
// the points due for review; how the scheduler turns outcomes into intervals
// is not modeled here.
package sched

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownPoint is returned when an outcome references a point the
// scheduler has no record of.
var ErrUnknownPoint = errors.New("sched: unknown point")

// Point is one recallable item in a recall set.
type Point struct {
	ID          string `json:"id"`
	RecallSetID string `json:"recall_set_id"`
	Content     string `json:"content"`
}

// Review is one evaluation outcome submitted to the scheduler.
type Review struct {
	PointID    string    `json:"point_id"`
	SessionID  string    `json:"session_id"`
	Outcome    string    `json:"outcome"`
	Confidence *float64  `json:"confidence,omitempty"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// Scheduler serves due points and accepts review outcomes. Outcome strings
// are passed through verbatim.
type Scheduler interface {
	// DuePoints returns the points of a recall set due for review, in the
	// order they should be studied.
	DuePoints(ctx context.Context, recallSetID string) ([]Point, error)

	// SubmitReview records one evaluation outcome. Submitting is
	// fire-and-forget from the session's perspective: the updated
	// scheduling state is not returned.
	SubmitReview(ctx context.Context, r Review) error
}
