package abx

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// allocationEpsilon is the tolerance when checking that bucket allocations sum to 1.
const allocationEpsilon = 1e-9

// identifierPattern constrains application names and labels: a leading
// alphanumeric followed by up to 63 alphanumerics, underscores, hyphens, or dots.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidIdentifier reports whether s conforms to the identifier grammar shared by
// application names and labels.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ValidateNewExperiment checks a create payload. It fails with InvalidIdentifier
// for a malformed label or application name and with InvalidArgument for a
// missing application, a sampling percent outside [0,1], inverted or missing
// times, or an inconsistent personalization/rapid configuration.
func ValidateNewExperiment(newExperiment NewExperiment) error {
	if newExperiment.ApplicationName == "" {
		return Error{Code: InvalidArgument, Err: errors.New("application name is required")}
	}
	if !ValidIdentifier(newExperiment.ApplicationName) {
		return Error{Code: InvalidIdentifier, Err: fmt.Errorf("invalid application name %q", newExperiment.ApplicationName), UserData: newExperiment.ApplicationName}
	}
	if !ValidIdentifier(newExperiment.Label) {
		return Error{Code: InvalidIdentifier, Err: fmt.Errorf("invalid experiment label %q", newExperiment.Label), UserData: newExperiment.Label}
	}
	return validateExperimentFields(
		newExperiment.SamplingPercent,
		newExperiment.StartTime, newExperiment.EndTime,
		newExperiment.IsPersonalizationEnabled, newExperiment.ModelName,
		newExperiment.IsRapidExperiment, newExperiment.UserCap,
	)
}

// ValidateExperiment checks a full experiment, typically the updated entity
// built by the diff phase of an update. Field rules match create; the state
// must be one of the five lifecycle states.
func ValidateExperiment(experiment Experiment) error {
	if experiment.ApplicationName == "" {
		return Error{Code: InvalidArgument, Err: errors.New("application name is required")}
	}
	if !ValidIdentifier(experiment.ApplicationName) {
		return Error{Code: InvalidIdentifier, Err: fmt.Errorf("invalid application name %q", experiment.ApplicationName), UserData: experiment.ApplicationName}
	}
	if !ValidIdentifier(experiment.Label) {
		return Error{Code: InvalidIdentifier, Err: fmt.Errorf("invalid experiment label %q", experiment.Label), UserData: experiment.Label}
	}
	if !experiment.State.Valid() {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("invalid experiment state %q", experiment.State)}
	}
	return validateExperimentFields(
		experiment.SamplingPercent,
		experiment.StartTime, experiment.EndTime,
		experiment.IsPersonalizationEnabled, experiment.ModelName,
		experiment.IsRapidExperiment, experiment.UserCap,
	)
}

func validateExperimentFields(samplingPercent float64, startTime, endTime time.Time,
	isPersonalizationEnabled bool, modelName string, isRapidExperiment bool, userCap int32) error {

	if math.IsNaN(samplingPercent) || samplingPercent < 0 || samplingPercent > 1 {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("sampling percent %v must lie in [0,1]", samplingPercent)}
	}
	if startTime.IsZero() || endTime.IsZero() {
		return Error{Code: InvalidArgument, Err: errors.New("start time and end time are required")}
	}
	// Equal boundaries pass; only an inverted pair is rejected.
	if startTime.After(endTime) {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("start time %s is after end time %s",
			startTime.UTC().Format(time.RFC3339), endTime.UTC().Format(time.RFC3339))}
	}
	if isPersonalizationEnabled && modelName == "" {
		return Error{Code: InvalidArgument, Err: errors.New("personalization is enabled but model name is not specified")}
	}
	if userCap < 0 {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("user cap %d cannot be negative", userCap)}
	}
	if isRapidExperiment && userCap < 1 {
		return Error{Code: InvalidArgument, Err: errors.New("rapid experiment requires a user cap of at least 1")}
	}
	return nil
}

// ValidateStateTransition accepts only the edges of the experiment state graph.
// Self-transitions are not edges.
func ValidateStateTransition(from, to State) error {
	if !from.CanTransitionTo(to) {
		return Error{Code: InvalidStateTransition, Err: fmt.Errorf("experiment cannot transition from %s to %s", from, to)}
	}
	return nil
}

// ValidateExperimentBuckets checks the bucket set an experiment needs before it
// can start running: at least one bucket, unique labels, exactly one control,
// and allocations summing to 1 within allocationEpsilon.
func ValidateExperimentBuckets(buckets []Bucket) error {
	if len(buckets) == 0 {
		return Error{Code: InvalidArgument, Err: errors.New("experiment must have at least one bucket")}
	}
	var total float64
	controls := 0
	seen := make(map[string]bool, len(buckets))
	for _, b := range buckets {
		if seen[b.Label] {
			return Error{Code: InvalidArgument, Err: fmt.Errorf("duplicate bucket label %q", b.Label), UserData: b.Label}
		}
		seen[b.Label] = true
		if b.Allocation < 0 {
			return Error{Code: InvalidArgument, Err: fmt.Errorf("bucket %q has negative allocation %v", b.Label, b.Allocation)}
		}
		if b.IsControl {
			controls++
		}
		total += b.Allocation
	}
	if math.Abs(total-1) > allocationEpsilon {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("bucket allocations sum to %v, expected 1", total)}
	}
	if controls != 1 {
		return Error{Code: InvalidArgument, Err: fmt.Errorf("experiment must have exactly one control bucket, found %d", controls)}
	}
	return nil
}
