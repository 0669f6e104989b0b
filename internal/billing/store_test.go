package billing

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func textEvent(userID string) Event {
	return NewEvent("text.generation", userID, "req-1", Metadata{
		Text: &TextMetadata{Model: "openai", PromptTokens: 10, CompletionTokens: 20},
	})
}

func TestInsertAndSelect(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := textEvent("user-1")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.SelectDeliverable(ctx, time.Now(), 8, 10)
	if err != nil {
		t.Fatalf("SelectDeliverable: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].ID != e.ID || got[0].Status != StatusPending {
		t.Fatalf("got %+v", got[0])
	}
	if got[0].Metadata.Text == nil || got[0].Metadata.Text.CompletionTokens != 20 {
		t.Fatalf("metadata not round-tripped: %+v", got[0].Metadata)
	}
}

// TestInsertIdempotent verifies that re-inserting the same event ID is a
// no-op.
func TestInsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := textEvent("user-1")
	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	got, err := s.SelectDeliverable(ctx, time.Now(), 8, 10)
	if err != nil {
		t.Fatalf("SelectDeliverable: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d after duplicate inserts, want 1", len(got))
	}
}

func TestInsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := textEvent("user-1")
	bad.Metadata.Image = &ImageMetadata{Model: "flux"}
	if err := s.Insert(ctx, bad); err == nil {
		t.Fatal("event with both metadata kinds must be rejected")
	}

	noUser := textEvent("")
	if err := s.Insert(ctx, noUser); err == nil {
		t.Fatal("event without userId must be rejected")
	}
}

func TestMarkSentExcludesFromDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := textEvent("user-1")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkSent(ctx, e.ID, now); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	got, err := s.SelectDeliverable(ctx, now.Add(time.Hour), 8, 10)
	if err != nil {
		t.Fatalf("SelectDeliverable: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("sent event still deliverable: %+v", got)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[StatusSent] != 1 {
		t.Fatalf("counts = %v, want 1 sent", counts)
	}
}

// TestMarkFailedBackoff verifies that a failed event is hidden until its
// scheduled retry time and reappears afterwards.
func TestMarkFailedBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := textEvent("user-1")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkFailed(ctx, e.ID, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got, _ := s.SelectDeliverable(ctx, now.Add(30*time.Second), 8, 10)
	if len(got) != 0 {
		t.Fatal("event inside backoff window must not be deliverable")
	}

	got, _ = s.SelectDeliverable(ctx, now.Add(2*time.Minute), 8, 10)
	if len(got) != 1 {
		t.Fatal("event past backoff window must be deliverable")
	}
	if got[0].Attempts != 1 || got[0].Status != StatusError {
		t.Fatalf("got %+v, want 1 attempt in error", got[0])
	}
}

// TestMaxAttemptsAbandons verifies that events at the attempt ceiling stop
// being selected.
func TestMaxAttemptsAbandons(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := textEvent("user-1")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.MarkFailed(ctx, e.ID, now, now); err != nil {
			t.Fatalf("MarkFailed %d: %v", i, err)
		}
	}

	got, _ := s.SelectDeliverable(ctx, now.Add(time.Hour), 3, 10)
	if len(got) != 0 {
		t.Fatalf("event at max attempts still deliverable: %+v", got)
	}
}

// TestProcessingReclaimedAfterStall verifies that events stuck in processing
// get picked up again after the stall window.
func TestProcessingReclaimedAfterStall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := textEvent("user-1")
	if err := s.Insert(ctx, e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkProcessing(ctx, e.ID, now); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	got, _ := s.SelectDeliverable(ctx, now.Add(10*time.Second), 8, 10)
	if len(got) != 0 {
		t.Fatal("freshly claimed event must not be re-selected")
	}

	got, _ = s.SelectDeliverable(ctx, now.Add(2*time.Minute), 8, 10)
	if len(got) != 1 {
		t.Fatal("stalled processing event must be reclaimed")
	}
}

func TestBackoffDoubles(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{12, 10 * time.Minute},
	}
	for _, c := range cases {
		if got := backoff(base, c.attempts); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.attempts, got, c.want)
		}
	}
}
