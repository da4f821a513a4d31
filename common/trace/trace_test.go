package trace

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateID_Unique(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	if a == b {
		t.Fatalf("expected distinct IDs, got %q twice", a)
	}
	if !strings.HasPrefix(a, "t_") || len(a) != 34 {
		t.Errorf("unexpected ID shape %q", a)
	}
}

func TestEnsure(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || FromContext(ctx) != id {
		t.Fatalf("Ensure did not attach an ID: %q", id)
	}
	ctx2, id2 := Ensure(ctx)
	if id2 != id || ctx2 != ctx {
		t.Errorf("Ensure replaced an existing ID: %q -> %q", id, id2)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != "" {
		t.Errorf("expected empty trace ID, got %q", got)
	}
}
