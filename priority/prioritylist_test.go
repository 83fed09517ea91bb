package priority

import (
	"context"
	"testing"

	"github.com/abstack/abx"
)

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	id := abx.NewUUID()
	if err := l.Append(ctx, "shop", id); err != nil {
		t.Error(err)
		t.FailNow()
	}
	if err := l.Append(ctx, "shop", id); err != nil {
		t.Error(err)
		t.FailNow()
	}
	ids, _ := l.Get(ctx, "shop")
	if len(ids) != 1 {
		t.Errorf("expected 1 id after duplicate append, got %d", len(ids))
	}
}

func TestAppendKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a, b, c := abx.NewUUID(), abx.NewUUID(), abx.NewUUID()
	l.Append(ctx, "shop", a)
	l.Append(ctx, "shop", b)
	l.Append(ctx, "shop", c)
	// Re-appending an existing id must not move it to the tail.
	l.Append(ctx, "shop", a)
	ids, _ := l.Get(ctx, "shop")
	if len(ids) != 3 || ids[0] != a || ids[1] != b || ids[2] != c {
		t.Errorf("expected order [a b c], got %v", ids)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a, b := abx.NewUUID(), abx.NewUUID()
	l.Append(ctx, "shop", a)
	l.Append(ctx, "shop", b)
	if err := l.Remove(ctx, "shop", a); err != nil {
		t.Error(err)
		t.FailNow()
	}
	ids, _ := l.Get(ctx, "shop")
	if len(ids) != 1 || ids[0] != b {
		t.Errorf("expected only b to remain, got %v", ids)
	}
	// Removing an absent id is a no-op.
	if err := l.Remove(ctx, "shop", a); err != nil {
		t.Errorf("expected removing an absent id to succeed, got %v", err)
	}
}

func TestReorder(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a, b, c := abx.NewUUID(), abx.NewUUID(), abx.NewUUID()
	l.Append(ctx, "shop", a)
	l.Append(ctx, "shop", b)
	l.Append(ctx, "shop", c)
	if err := l.Reorder(ctx, "shop", []abx.UUID{c, a, b}); err != nil {
		t.Error(err)
		t.FailNow()
	}
	ids, _ := l.Get(ctx, "shop")
	if ids[0] != c || ids[1] != a || ids[2] != b {
		t.Errorf("expected order [c a b], got %v", ids)
	}
}

func TestReorderRejectsNonPermutation(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a, b := abx.NewUUID(), abx.NewUUID()
	l.Append(ctx, "shop", a)
	l.Append(ctx, "shop", b)

	// Wrong length.
	if err := l.Reorder(ctx, "shop", []abx.UUID{a}); abx.CodeOf(err) != abx.InvalidArgument {
		t.Errorf("expected InvalidArgument for short order, got %v", err)
	}
	// Foreign id.
	if err := l.Reorder(ctx, "shop", []abx.UUID{a, abx.NewUUID()}); abx.CodeOf(err) != abx.InvalidArgument {
		t.Errorf("expected InvalidArgument for foreign id, got %v", err)
	}
	// Duplicated id.
	if err := l.Reorder(ctx, "shop", []abx.UUID{a, a}); abx.CodeOf(err) != abx.InvalidArgument {
		t.Errorf("expected InvalidArgument for duplicated id, got %v", err)
	}
	// List unchanged after failed reorders.
	ids, _ := l.Get(ctx, "shop")
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("expected order [a b] preserved, got %v", ids)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a := abx.NewUUID()
	l.Append(ctx, "shop", a)
	ids, _ := l.Get(ctx, "shop")
	ids[0] = abx.NewUUID()
	again, _ := l.Get(ctx, "shop")
	if again[0] != a {
		t.Errorf("mutating a snapshot must not affect the list")
	}
}

func TestApplicationsAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewList()
	a, b := abx.NewUUID(), abx.NewUUID()
	l.Append(ctx, "shop", a)
	l.Append(ctx, "news", b)
	shop, _ := l.Get(ctx, "shop")
	news, _ := l.Get(ctx, "news")
	if len(shop) != 1 || len(news) != 1 || shop[0] != a || news[0] != b {
		t.Errorf("expected independent per-application lists, got shop=%v news=%v", shop, news)
	}
}
