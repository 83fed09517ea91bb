package pages

import (
	"context"
	"testing"

	"github.com/abstack/abx"
)

func TestBindAndGet(t *testing.T) {
	ctx := context.Background()
	b := NewBinder()
	id := abx.NewUUID()
	if err := b.Bind(ctx, "shop", id, "home", "checkout"); err != nil {
		t.Error(err)
		t.FailNow()
	}
	got, _ := b.Get(ctx, "shop", id)
	if len(got) != 2 || got[0] != "home" || got[1] != "checkout" {
		t.Errorf("expected [home checkout], got %v", got)
	}
}

func TestErasePageData(t *testing.T) {
	ctx := context.Background()
	b := NewBinder()
	id := abx.NewUUID()
	b.Bind(ctx, "shop", id, "home")
	if err := b.ErasePageData(ctx, "shop", id, abx.UserInfo{Username: "admin"}); err != nil {
		t.Error(err)
		t.FailNow()
	}
	got, _ := b.Get(ctx, "shop", id)
	if len(got) != 0 {
		t.Errorf("expected no pages after erase, got %v", got)
	}
	// Erasing again is a no-op.
	if err := b.ErasePageData(ctx, "shop", id, abx.UserInfo{Username: "admin"}); err != nil {
		t.Errorf("expected idempotent erase, got %v", err)
	}
}
