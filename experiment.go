package abx

import "time"

// State enumerates the experiment lifecycle states.
type State string

const (
	Draft      State = "DRAFT"
	Running    State = "RUNNING"
	Paused     State = "PAUSED"
	Terminated State = "TERMINATED"
	Deleted    State = "DELETED"
)

// legalTransitions is the experiment state graph. Absent edges are illegal and
// self-transitions are not edges. Deleted is terminal.
var legalTransitions = map[State][]State{
	Draft:      {Running, Deleted},
	Running:    {Paused, Terminated},
	Paused:     {Running, Terminated},
	Terminated: {Deleted},
	Deleted:    {},
}

// Valid reports whether s is one of the five lifecycle states.
func (s State) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// CanTransitionTo reports whether the state graph has an edge from s to target.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range legalTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Experiment is the central entity: a configured A/B test bound to an
// application and label, moving through the lifecycle state machine. Destruction
// is logical (state Deleted); physical rows remain so an id is never reused.
type Experiment struct {
	ID              UUID   `json:"id"`
	ApplicationName string `json:"application_name"`
	// Label is the human-readable id, unique per application among non-deleted
	// experiments.
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	State       State     `json:"state"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	// SamplingPercent is the fraction of eligible traffic enrolled, in [0,1].
	SamplingPercent float64 `json:"sampling_percent"`
	// Rule is the segmentation expression source; empty means no segmentation.
	Rule                     string `json:"rule,omitempty"`
	IsPersonalizationEnabled bool   `json:"is_personalization_enabled"`
	ModelName                string `json:"model_name,omitempty"`
	ModelVersion             string `json:"model_version,omitempty"`
	IsRapidExperiment        bool   `json:"is_rapid_experiment"`
	UserCap                  int32  `json:"user_cap"`
	// CreationTime and ModificationTime are service-owned; callers cannot set them.
	CreationTime     time.Time `json:"creation_time"`
	ModificationTime time.Time `json:"modification_time"`
}

// NewExperiment is the payload for creating an experiment. ID may be left nil,
// in which case the primary store mints one. The created experiment always
// starts in Draft.
type NewExperiment struct {
	ID                       UUID
	ApplicationName          string
	Label                    string
	Description              string
	StartTime                time.Time
	EndTime                  time.Time
	SamplingPercent          float64
	Rule                     string
	IsPersonalizationEnabled bool
	ModelName                string
	ModelVersion             string
	IsRapidExperiment        bool
	UserCap                  int32
	// CreationTime and ModificationTime are service-owned: the service stamps
	// both from its clock before the first store write, overwriting whatever a
	// caller supplied. Both stores persist the stamped values so the mirror rows
	// stay equivalent.
	CreationTime     time.Time
	ModificationTime time.Time
}

// Patch is a partial experiment for update. A nil field requests no change.
// ID, CreationTime, and ModificationTime may be supplied only to assert the
// stored values; requesting a different value fails with IllegalUpdate.
type Patch struct {
	ID                       *UUID
	ApplicationName          *string
	Label                    *string
	Description              *string
	State                    *State
	StartTime                *time.Time
	EndTime                  *time.Time
	SamplingPercent          *float64
	Rule                     *string
	IsPersonalizationEnabled *bool
	ModelName                *string
	ModelVersion             *string
	IsRapidExperiment        *bool
	UserCap                  *int32
	CreationTime             *time.Time
	ModificationTime         *time.Time
}
