package probe

import (
	"context"
	"testing"
)

func TestMemoryMBReportsPositiveFootprint(t *testing.T) {
	got, err := New().MemoryMB(context.Background())
	if err != nil {
		t.Fatalf("MemoryMB: %v", err)
	}
	if got <= 0 {
		t.Fatalf("MemoryMB = %d, want a positive footprint", got)
	}
}
