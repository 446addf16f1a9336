package store

import (
	"context"
	"testing"
)

func TestCheckpoint_Roundtrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	cursor, err := s.GetCheckpoint(ctx, "origin")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}

	if cursor != "" {
		t.Errorf("fresh checkpoint = %q, want empty", cursor)
	}

	if err := s.SaveCheckpoint(ctx, "origin", "cursor-123"); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if err := s.SaveCheckpoint(ctx, "origin", "cursor-456"); err != nil {
		t.Fatalf("SaveCheckpoint (advance): %v", err)
	}

	cursor, err = s.GetCheckpoint(ctx, "origin")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}

	if cursor != "cursor-456" {
		t.Errorf("cursor = %q, want latest", cursor)
	}

	age, err := s.CheckpointAge(ctx, "origin")
	if err != nil {
		t.Fatalf("CheckpointAge: %v", err)
	}

	if age == 0 {
		t.Error("checkpoint age = 0 after save")
	}
}
