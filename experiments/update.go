package experiments

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/abstack/abx"
)

// Update applies a partial experiment to the stored one. What a patch may
// change depends on the current state: terminated experiments accept only a
// description edit (and the transition to Deleted), running and paused
// experiments freeze their application and label and forbid moving time
// boundaries into or out of the past. The two store writes are the atomic
// core: a secondary failure rolls the primary back to the pre-call row. The
// steps after the stores (priority move, rule cache, audit, events, teardown)
// are advisory or best-effort and never undo a committed store write.
func (s *Service) Update(ctx context.Context, id abx.UUID, patch abx.Patch, user abx.UserInfo) (*abx.Experiment, error) {
	lockKeys, err := s.acquireLock(ctx, id.String())
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, lockKeys)

	current, err := s.primary.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, abx.Error{Code: abx.NotFound, Err: fmt.Errorf("experiment %s not found", id.String()), UserData: id}
	}

	stateChanging := patch.State != nil && *patch.State != current.State
	if stateChanging {
		if err := abx.ValidateStateTransition(current.State, *patch.State); err != nil {
			return nil, err
		}
		// Starting an experiment requires a sane bucket set.
		if current.State == abx.Draft && *patch.State == abx.Running {
			bucketList, err := s.buckets.GetBuckets(ctx, id)
			if err != nil {
				return nil, err
			}
			if err := abx.ValidateExperimentBuckets(bucketList.Buckets); err != nil {
				return nil, err
			}
		}
	}
	if err := checkIllegalUpdate(*current, patch); err != nil {
		return nil, err
	}
	if err := checkIllegalTerminatedUpdate(*current, patch); err != nil {
		return nil, err
	}
	if err := s.checkIllegalPausedRunningUpdate(*current, patch); err != nil {
		return nil, err
	}

	updated, changeList, dirty := applyPatch(*current, patch)
	if !dirty {
		return current, nil
	}
	if err := abx.ValidateExperiment(updated); err != nil {
		return nil, err
	}

	// An identity move (Draft only, the checks above froze it elsewhere) must
	// not collide with another experiment's (application, label) pair.
	if updated.ApplicationName != current.ApplicationName || updated.Label != current.Label {
		if existing, err := s.primary.GetExperimentByLabel(ctx, updated.ApplicationName, updated.Label); err != nil {
			return nil, err
		} else if existing != nil && existing.ID != id {
			return nil, abx.Error{Code: abx.Conflict,
				Err:      fmt.Errorf("experiment %s already exists on application %s", updated.Label, updated.ApplicationName),
				UserData: updated.Label}
		}
	}

	// Rule compilation happens before any store write so an unparseable rule
	// behaves like any other validation failure.
	var compiled abx.CompiledRule
	ruleChanged := patch.Rule != nil && *patch.Rule != current.Rule
	if ruleChanged && updated.Rule != "" {
		compiled, err = s.ruleCompiler.Parse(updated.Rule)
		if err != nil {
			return nil, err
		}
	}

	// Cancellation aborts cleanly only before the first store write.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	updated.ModificationTime = s.clock.Now().UTC()

	if err := s.primary.UpdateExperiment(ctx, updated); err != nil {
		return nil, err
	}
	if err := s.secondary.UpdateExperiment(ctx, updated); err != nil {
		// Roll the primary back to the pre-call row. The undo runs detached
		// from the caller's cancellation and its failure is logged, never
		// replacing the original error.
		if undoErr := s.primary.UpdateExperiment(context.WithoutCancel(ctx), *current); undoErr != nil {
			log.Error(fmt.Sprintf("update undo: primary restore of experiment %s failed, details: %v", id.String(), undoErr))
		}
		return nil, err
	}

	// An application move re-homes the experiment's evaluation order.
	if patch.ApplicationName != nil && *patch.ApplicationName != current.ApplicationName {
		if err := s.priorities.Remove(ctx, current.ApplicationName, id); err != nil {
			log.Warn(fmt.Sprintf("priority removal of experiment %s from application %s failed, details: %v", id.String(), current.ApplicationName, err))
		}
		if err := s.priorities.Append(ctx, updated.ApplicationName, id); err != nil {
			log.Warn(fmt.Sprintf("priority append of experiment %s to application %s failed, details: %v", id.String(), updated.ApplicationName, err))
		}
	}

	// The cache write happens only after both stores accepted the new rule.
	if ruleChanged {
		if updated.Rule != "" {
			s.ruleCache.Set(id, compiled)
		} else {
			s.ruleCache.Clear(id)
		}
	}

	// Draft mutations are not audited; beyond Draft every change in the list
	// is persisted and announced, one event per changed attribute.
	if updated.State != abx.Draft && len(changeList) > 0 {
		if err := s.primary.LogExperimentChanges(ctx, id, updated.ModificationTime, changeList); err != nil {
			log.Warn(fmt.Sprintf("audit log write for experiment %s failed, details: %v", id.String(), err))
		}
		for _, change := range changeList {
			s.eventLog.Post(ctx, abx.ExperimentChangeEvent{
				User:          user,
				Experiment:    updated,
				AttributeName: change.AttributeName,
				OldValue:      change.OldValue,
				NewValue:      change.NewValue,
			})
		}
	}

	// A transition into Terminated or Deleted takes the experiment out of
	// evaluation: drop it from the priority list and erase its page bindings.
	if stateChanging && (updated.State == abx.Terminated || updated.State == abx.Deleted) {
		if err := s.priorities.Remove(ctx, updated.ApplicationName, id); err != nil {
			log.Warn(fmt.Sprintf("priority removal of experiment %s failed, details: %v", id.String(), err))
		}
		if err := s.pages.ErasePageData(ctx, updated.ApplicationName, id, user); err != nil {
			log.Warn(fmt.Sprintf("page data erasure of experiment %s failed, details: %v", id.String(), err))
		}
	}

	// For Deleted the returned view is the tombstone; subsequent reads of the
	// id yield nothing.
	return &updated, nil
}

// checkIllegalUpdate rejects patches touching service-owned attributes. A
// patch may carry them only to assert the stored values.
func checkIllegalUpdate(current abx.Experiment, patch abx.Patch) error {
	if patch.ID != nil && *patch.ID != current.ID {
		return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("experiment id cannot change")}
	}
	if patch.CreationTime != nil && !patch.CreationTime.Equal(current.CreationTime) {
		return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("creation time cannot change")}
	}
	if patch.ModificationTime != nil && !patch.ModificationTime.Equal(current.ModificationTime) {
		return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("modification time cannot change")}
	}
	return nil
}

// checkIllegalTerminatedUpdate enforces that a terminated experiment accepts
// only a description edit; the state transition to Deleted is validated by the
// state graph, everything else is frozen.
func checkIllegalTerminatedUpdate(current abx.Experiment, patch abx.Patch) error {
	if current.State != abx.Terminated {
		return nil
	}
	frozen := func(attribute string) error {
		return abx.Error{Code: abx.IllegalUpdate,
			Err: fmt.Errorf("%s of a terminated experiment cannot change", attribute)}
	}
	switch {
	case patch.ApplicationName != nil && *patch.ApplicationName != current.ApplicationName:
		return frozen("application name")
	case patch.Label != nil && *patch.Label != current.Label:
		return frozen("label")
	case patch.StartTime != nil && !patch.StartTime.Equal(current.StartTime):
		return frozen("start time")
	case patch.EndTime != nil && !patch.EndTime.Equal(current.EndTime):
		return frozen("end time")
	case patch.SamplingPercent != nil && *patch.SamplingPercent != current.SamplingPercent:
		return frozen("sampling percent")
	case patch.Rule != nil && *patch.Rule != current.Rule:
		return frozen("rule")
	case patch.IsPersonalizationEnabled != nil && *patch.IsPersonalizationEnabled != current.IsPersonalizationEnabled:
		return frozen("personalization flag")
	case patch.ModelName != nil && *patch.ModelName != current.ModelName:
		return frozen("model name")
	case patch.ModelVersion != nil && *patch.ModelVersion != current.ModelVersion:
		return frozen("model version")
	case patch.IsRapidExperiment != nil && *patch.IsRapidExperiment != current.IsRapidExperiment:
		return frozen("rapid experiment flag")
	case patch.UserCap != nil && *patch.UserCap != current.UserCap:
		return frozen("user cap")
	}
	return nil
}

// checkIllegalPausedRunningUpdate enforces the running/paused restrictions:
// application and label are frozen, and a time boundary may neither move to a
// past instant nor move once it has already passed. Both checks anchor on the
// injected clock at the moment of the call.
func (s *Service) checkIllegalPausedRunningUpdate(current abx.Experiment, patch abx.Patch) error {
	if current.State != abx.Running && current.State != abx.Paused {
		return nil
	}
	if patch.ApplicationName != nil && *patch.ApplicationName != current.ApplicationName {
		return abx.Error{Code: abx.IllegalUpdate,
			Err: fmt.Errorf("application name of a %s experiment cannot change", current.State)}
	}
	if patch.Label != nil && *patch.Label != current.Label {
		return abx.Error{Code: abx.IllegalUpdate,
			Err: fmt.Errorf("label of a %s experiment cannot change", current.State)}
	}
	now := s.clock.Now()
	if patch.StartTime != nil && !patch.StartTime.Equal(current.StartTime) {
		if patch.StartTime.Before(now) {
			return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("start time cannot change to a value in the past")}
		}
		if current.StartTime.Before(now) {
			return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("start time that has already passed cannot change")}
		}
	}
	if patch.EndTime != nil && !patch.EndTime.Equal(current.EndTime) {
		if patch.EndTime.Before(now) {
			return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("end time cannot change to a value in the past")}
		}
		if current.EndTime.Before(now) {
			return abx.Error{Code: abx.IllegalUpdate, Err: fmt.Errorf("end time that has already passed cannot change")}
		}
	}
	return nil
}

// applyPatch overlays the set fields of patch onto current and collects the
// audit change list. Application and label changes are applied but never
// audited: they can only happen in Draft, and Draft mutations are unaudited.
func applyPatch(current abx.Experiment, patch abx.Patch) (abx.Experiment, []abx.AuditInfo, bool) {
	updated := current
	var changes []abx.AuditInfo
	dirty := false
	audit := func(attribute string, oldValue, newValue any) {
		changes = append(changes, abx.AuditInfo{
			AttributeName: attribute,
			OldValue:      abx.AuditValue(oldValue),
			NewValue:      abx.AuditValue(newValue),
		})
	}

	if patch.ApplicationName != nil && *patch.ApplicationName != current.ApplicationName {
		updated.ApplicationName = *patch.ApplicationName
		dirty = true
	}
	if patch.Label != nil && *patch.Label != current.Label {
		updated.Label = *patch.Label
		dirty = true
	}
	if patch.State != nil && *patch.State != current.State {
		updated.State = *patch.State
		audit("state", current.State, *patch.State)
		dirty = true
	}
	if patch.Description != nil && *patch.Description != current.Description {
		updated.Description = *patch.Description
		audit("description", current.Description, *patch.Description)
		dirty = true
	}
	if patch.SamplingPercent != nil && *patch.SamplingPercent != current.SamplingPercent {
		updated.SamplingPercent = *patch.SamplingPercent
		audit("sampling_percent", current.SamplingPercent, *patch.SamplingPercent)
		dirty = true
	}
	if patch.StartTime != nil && !patch.StartTime.Equal(current.StartTime) {
		updated.StartTime = *patch.StartTime
		audit("start_time", current.StartTime, *patch.StartTime)
		dirty = true
	}
	if patch.EndTime != nil && !patch.EndTime.Equal(current.EndTime) {
		updated.EndTime = *patch.EndTime
		audit("end_time", current.EndTime, *patch.EndTime)
		dirty = true
	}
	if patch.IsPersonalizationEnabled != nil && *patch.IsPersonalizationEnabled != current.IsPersonalizationEnabled {
		updated.IsPersonalizationEnabled = *patch.IsPersonalizationEnabled
		audit("isPersonalizationEnabled", current.IsPersonalizationEnabled, *patch.IsPersonalizationEnabled)
		dirty = true
	}
	if patch.ModelName != nil && *patch.ModelName != current.ModelName {
		updated.ModelName = *patch.ModelName
		audit("modelName", current.ModelName, *patch.ModelName)
		dirty = true
	}
	if patch.ModelVersion != nil && *patch.ModelVersion != current.ModelVersion {
		updated.ModelVersion = *patch.ModelVersion
		audit("modelVersion", current.ModelVersion, *patch.ModelVersion)
		dirty = true
	}
	if patch.IsRapidExperiment != nil && *patch.IsRapidExperiment != current.IsRapidExperiment {
		updated.IsRapidExperiment = *patch.IsRapidExperiment
		audit("isRapidExperiment", current.IsRapidExperiment, *patch.IsRapidExperiment)
		dirty = true
	}
	if patch.UserCap != nil && *patch.UserCap != current.UserCap {
		updated.UserCap = *patch.UserCap
		audit("userCap", current.UserCap, *patch.UserCap)
		dirty = true
	}
	if patch.Rule != nil && *patch.Rule != current.Rule {
		updated.Rule = *patch.Rule
		audit("rule", current.Rule, *patch.Rule)
		dirty = true
	}
	return updated, changes, dirty
}
