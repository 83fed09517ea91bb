package mocks

import (
	"context"
	"testing"

	"github.com/abstack/abx"
)

func TestPrimaryByLabelReadsThroughTheIndex(t *testing.T) {
	ctx := context.Background()
	s := NewPrimaryStore()
	created, err := s.CreateExperiment(ctx, abx.NewExperiment{ApplicationName: "shop", Label: "cart-cta"})
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	// The row alone does not resolve by label; only the index claim does, so
	// index/row divergence is observable.
	if got, _ := s.GetExperimentByLabel(ctx, "shop", "cart-cta"); got != nil {
		t.Errorf("an unindexed row should not resolve by label, got %+v", got)
	}
	if err := s.CreateIndicesForNewExperiment(ctx, abx.NewExperiment{ID: created.ID, ApplicationName: "shop", Label: "cart-cta"}); err != nil {
		t.Fatalf("CreateIndicesForNewExperiment failed: %v", err)
	}
	if got, _ := s.GetExperimentByLabel(ctx, "shop", "cart-cta"); got == nil || got.ID != created.ID {
		t.Errorf("the claimed label should resolve to the row, got %+v", got)
	}
}

func TestDeleteReleasesOnlyOwnLabelClaim(t *testing.T) {
	ctx := context.Background()
	s := NewPrimaryStore()
	winner, err := s.CreateExperiment(ctx, abx.NewExperiment{ApplicationName: "shop", Label: "cart-cta"})
	if err != nil {
		t.Fatalf("CreateExperiment failed: %v", err)
	}
	if err := s.CreateIndicesForNewExperiment(ctx, abx.NewExperiment{ID: winner.ID, ApplicationName: "shop", Label: "cart-cta"}); err != nil {
		t.Fatalf("CreateIndicesForNewExperiment failed: %v", err)
	}

	// A losing create compensating on the same (application, label) must not
	// free the winner's claim.
	loser := abx.Experiment{ID: abx.NewUUID(), ApplicationName: "shop", Label: "cart-cta"}
	if err := s.DeleteExperiment(ctx, loser); err != nil {
		t.Fatalf("DeleteExperiment failed: %v", err)
	}
	if got, _ := s.GetExperimentByLabel(ctx, "shop", "cart-cta"); got == nil || got.ID != winner.ID {
		t.Errorf("the winner's claim should survive the loser's delete, got %+v", got)
	}

	// The winner's own delete does free it.
	if err := s.DeleteExperiment(ctx, *winner); err != nil {
		t.Fatalf("DeleteExperiment failed: %v", err)
	}
	if got, _ := s.GetExperimentByLabel(ctx, "shop", "cart-cta"); got != nil {
		t.Errorf("the label should be free after the winner's delete, got %+v", got)
	}
}
