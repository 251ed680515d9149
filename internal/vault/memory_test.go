package vault

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"docsync/internal/engine"
)

func TestMemoryVault_PutAndGetContent(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()

	if err := v.PutContent(ctx, "abc123", strings.NewReader("blob one"), 8); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}

	var buf bytes.Buffer
	if err := v.GetContent(ctx, "abc123", &buf); err != nil {
		t.Fatalf("GetContent() error = %v", err)
	}
	if buf.String() != "blob one" {
		t.Errorf("GetContent() = %q, want %q", buf.String(), "blob one")
	}

	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1", v.Len())
	}
}

func TestMemoryVault_PutSizeMismatch(t *testing.T) {
	v := NewMemoryVault()

	err := v.PutContent(context.Background(), "abc123", strings.NewReader("short"), 100)
	if err == nil {
		t.Fatal("PutContent() with wrong size succeeded, want error")
	}
	if v.Len() != 0 {
		t.Errorf("Len() after failed put = %d, want 0", v.Len())
	}
}

func TestMemoryVault_PutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()

	for i := 0; i < 3; i++ {
		if err := v.PutContent(ctx, "abc123", strings.NewReader("blob"), 4); err != nil {
			t.Fatalf("PutContent() attempt %d error = %v", i+1, err)
		}
	}
	if v.Len() != 1 {
		t.Errorf("Len() = %d, want 1", v.Len())
	}
}

func TestMemoryVault_GetMissing(t *testing.T) {
	v := NewMemoryVault()

	var buf bytes.Buffer
	if err := v.GetContent(context.Background(), "nope", &buf); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("GetContent() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryVault_DeleteContent(t *testing.T) {
	ctx := context.Background()
	v := NewMemoryVault()

	if err := v.PutContent(ctx, "abc123", strings.NewReader("blob"), 4); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if err := v.DeleteContent(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteContent() error = %v", err)
	}
	if err := v.DeleteContent(ctx, "abc123"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("second DeleteContent() error = %v, want ErrNotFound", err)
	}
}
