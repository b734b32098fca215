package sched

import (
	"context"
	"fmt"

	"github.com/supabase-community/supabase-go"
)

// SupabaseConfig holds connection settings for the hosted scheduler tables.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
}

// SupabaseScheduler reads due points from and writes reviews to Supabase.
// Interval recomputation happens server-side when a review row lands.
type SupabaseScheduler struct {
	client *supabase.Client
}

// NewSupabase creates a scheduler backed by Supabase.
func NewSupabase(cfg SupabaseConfig) (*SupabaseScheduler, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sched: supabase URL is required")
	}
	if cfg.ServiceRoleKey == "" {
		return nil, fmt.Errorf("sched: supabase service role key is required")
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("sched: create supabase client: %w", err)
	}
	return &SupabaseScheduler{client: client}, nil
}

func (s *SupabaseScheduler) DuePoints(ctx context.Context, recallSetID string) ([]Point, error) {
	var points []Point
	_, err := s.client.From("due_points").
		Select("id,recall_set_id,content", "", false).
		Eq("recall_set_id", recallSetID).
		ExecuteTo(&points)
	if err != nil {
		return nil, fmt.Errorf("sched: fetch due points: %w", err)
	}
	return points, nil
}

func (s *SupabaseScheduler) SubmitReview(ctx context.Context, r Review) error {
	var inserted []Review
	_, err := s.client.From("reviews").
		Insert(r, false, "", "", "").
		ExecuteTo(&inserted)
	if err != nil {
		return fmt.Errorf("sched: submit review for point %s: %w", r.PointID, err)
	}
	return nil
}
