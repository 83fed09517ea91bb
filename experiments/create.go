package experiments

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/abstack/abx"
)

// Create validates and persists a new experiment, returning the minted id.
// The orchestration commits in the order primary row → priority list →
// secondary row → primary indices; a failure at any step undoes the steps
// already committed, so a failed create leaves no trace in any subsystem. The
// closing create event is best-effort and never aborts the operation.
func (s *Service) Create(ctx context.Context, newExperiment abx.NewExperiment, user abx.UserInfo) (abx.UUID, error) {
	if err := abx.ValidateNewExperiment(newExperiment); err != nil {
		return abx.NilUUID, err
	}

	// Creates racing on the same (application, label) pair serialize here.
	lockKeys, err := s.acquireLock(ctx, createLockName(newExperiment.ApplicationName, newExperiment.Label))
	if err != nil {
		return abx.NilUUID, err
	}
	defer s.releaseLock(ctx, lockKeys)

	// Fast uniqueness check. The LWT claim of CreateIndicesForNewExperiment
	// below remains the authority; this only fails the common case before any
	// row is written.
	if existing, err := s.primary.GetExperimentByLabel(ctx, newExperiment.ApplicationName, newExperiment.Label); err != nil {
		return abx.NilUUID, err
	} else if existing != nil {
		return abx.NilUUID, abx.Error{Code: abx.Conflict,
			Err:      fmt.Errorf("experiment %s already exists on application %s", newExperiment.Label, newExperiment.ApplicationName),
			UserData: newExperiment.Label}
	}

	// Cancellation aborts cleanly only before the first store write.
	if err := ctx.Err(); err != nil {
		return abx.NilUUID, err
	}

	now := s.clock.Now().UTC()
	newExperiment.CreationTime = now
	newExperiment.ModificationTime = now

	// Step 1: primary row. The primary mints the id.
	created, err := s.primary.CreateExperiment(ctx, newExperiment)
	if err != nil {
		return abx.NilUUID, err
	}
	newExperiment.ID = created.ID

	// undo reverses the steps committed so far. It runs on a context detached
	// from the caller's cancellation: once compensation starts it runs to
	// completion, and its failures are logged, never replacing the original
	// error.
	undo := func(committedSteps int) {
		dctx := context.WithoutCancel(ctx)
		if committedSteps >= 2 {
			if err := s.priorities.Remove(dctx, newExperiment.ApplicationName, created.ID); err != nil {
				log.Error(fmt.Sprintf("create undo: priority removal of experiment %s failed, details: %v", created.ID.String(), err))
			}
		}
		if err := s.primary.DeleteExperiment(dctx, *created); err != nil {
			log.Error(fmt.Sprintf("create undo: primary delete of experiment %s failed, details: %v", created.ID.String(), err))
		}
		if committedSteps >= 3 {
			if err := s.secondary.DeleteExperiment(dctx, *created); err != nil {
				log.Error(fmt.Sprintf("create undo: secondary delete of experiment %s failed, details: %v", created.ID.String(), err))
			}
		}
	}

	// Step 2: priority list, before the secondary so any discovery by other
	// components sees the experiment as already ordered.
	if err := s.priorities.Append(ctx, newExperiment.ApplicationName, created.ID); err != nil {
		undo(1)
		return abx.NilUUID, err
	}

	// Step 3: secondary mirror row.
	if _, err := s.secondary.CreateExperiment(ctx, newExperiment); err != nil {
		undo(2)
		return abx.NilUUID, err
	}

	// Step 4: primary indices, last because they depend on both store rows and
	// the LWT label claim is the only step that can still lose a race.
	if err := s.primary.CreateIndicesForNewExperiment(ctx, newExperiment); err != nil {
		undo(3)
		return abx.NilUUID, err
	}

	s.eventLog.Post(ctx, abx.ExperimentCreateEvent{User: user, Experiment: *created})
	return created.ID, nil
}

// createLockName keys create serialization by (application, label) since the
// experiment id does not exist yet.
func createLockName(applicationName, label string) string {
	return applicationName + "/" + label
}
