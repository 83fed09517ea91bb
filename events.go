package abx

// DomainEvent is implemented by every payload posted to the EventLog. The name
// keys the event in downstream sinks.
type DomainEvent interface {
	EventName() string
}

// ExperimentCreateEvent records the creation of an experiment.
type ExperimentCreateEvent struct {
	User       UserInfo   `json:"user"`
	Experiment Experiment `json:"experiment"`
}

// EventName implements DomainEvent.
func (ExperimentCreateEvent) EventName() string { return "experiment_create" }

// ExperimentChangeEvent records one audited attribute change on an experiment
// beyond Draft. Updates post one event per changed attribute.
type ExperimentChangeEvent struct {
	User          UserInfo   `json:"user"`
	Experiment    Experiment `json:"experiment"`
	AttributeName string     `json:"attribute_name"`
	OldValue      string     `json:"old_value"`
	NewValue      string     `json:"new_value"`
}

// EventName implements DomainEvent.
func (ExperimentChangeEvent) EventName() string { return "experiment_change" }
