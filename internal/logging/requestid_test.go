package logging

import (
	"context"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 8 {
		t.Errorf("GenerateRequestID() length = %d, want 8", len(id))
	}

	id2 := GenerateRequestID()
	if id == id2 {
		t.Errorf("GenerateRequestID() generated duplicate IDs: %s", id)
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	id := "test1234"

	if got := GetRequestID(ctx); got != "" {
		t.Errorf("GetRequestID(empty context) = %q, want empty string", got)
	}

	ctx = WithRequestID(ctx, id)
	if got := GetRequestID(ctx); got != id {
		t.Errorf("GetRequestID() = %q, want %q", got, id)
	}
}

func TestTagPrefersJobID(t *testing.T) {
	ctx := context.Background()
	if got := Tag(ctx); got != "-" {
		t.Errorf("Tag(empty) = %q, want -", got)
	}

	ctx = WithRequestID(ctx, "req-1")
	if got := Tag(ctx); got != "req-1" {
		t.Errorf("Tag() = %q, want req-1", got)
	}

	ctx = WithJobID(ctx, "job-1")
	if got := Tag(ctx); got != "job-1" {
		t.Errorf("Tag() = %q, want job-1", got)
	}
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
}
