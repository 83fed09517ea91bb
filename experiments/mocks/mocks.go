// Package mocks provides in-memory collaborators for exercising the experiment
// service without live backends. The stores carry numbered induced-error hooks
// so tests can fail any single step of an orchestration and assert that
// compensation restored the pre-call state.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abstack/abx"
)

// Method numbers for Store.InduceErrorOnMethod.
const (
	CreateExperimentMethod = iota + 1
	CreateIndicesMethod
	GetExperimentMethod
	GetExperimentByLabelMethod
	UpdateExperimentMethod
	DeleteExperimentMethod
	LogExperimentChangesMethod
)

// InducedError is returned by every induced failure. Transient, so tests can
// also drive the caller-retry classification.
var InducedError = abx.Error{Code: abx.RepositoryTransient, Err: errors.New("foobar")}

// Store is an in-memory ExperimentStore. With mintsIDs it behaves like the
// primary (mints ids, enforces the label index, logical delete, audit log);
// otherwise like the secondary mirror (requires ids, physical delete, no-op
// indices and audit).
type Store struct {
	mu       sync.Mutex
	lookup   map[abx.UUID]abx.Experiment
	labels   map[string]abx.UUID
	audits   map[abx.UUID][]abx.AuditInfo
	auditAt  map[abx.UUID][]time.Time
	mintsIDs bool

	// InduceErrorOnMethod fails the numbered method with InducedError.
	InduceErrorOnMethod int
	// UpdateCalls counts UpdateExperiment invocations, compensation included.
	UpdateCalls int
}

// NewPrimaryStore returns a Store with primary semantics.
func NewPrimaryStore() *Store {
	return newStore(true)
}

// NewSecondaryStore returns a Store with secondary mirror semantics.
func NewSecondaryStore() *Store {
	return newStore(false)
}

func newStore(mintsIDs bool) *Store {
	return &Store{
		lookup:   make(map[abx.UUID]abx.Experiment),
		labels:   make(map[string]abx.UUID),
		audits:   make(map[abx.UUID][]abx.AuditInfo),
		auditAt:  make(map[abx.UUID][]time.Time),
		mintsIDs: mintsIDs,
	}
}

func labelKey(applicationName, label string) string {
	return applicationName + "/" + label
}

func (s *Store) induced(method int) error {
	if s.InduceErrorOnMethod == method {
		return InducedError
	}
	return nil
}

// CreateExperiment stores the row in Draft state.
func (s *Store) CreateExperiment(ctx context.Context, newExperiment abx.NewExperiment) (*abx.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(CreateExperimentMethod); err != nil {
		return nil, err
	}
	id := newExperiment.ID
	if id.IsNil() {
		if !s.mintsIDs {
			return nil, abx.Error{Code: abx.InvalidArgument, Err: errors.New("secondary store requires the id the primary minted")}
		}
		id = abx.NewUUID()
	}
	experiment := abx.Experiment{
		ID:                       id,
		ApplicationName:          newExperiment.ApplicationName,
		Label:                    newExperiment.Label,
		Description:              newExperiment.Description,
		State:                    abx.Draft,
		StartTime:                newExperiment.StartTime,
		EndTime:                  newExperiment.EndTime,
		SamplingPercent:          newExperiment.SamplingPercent,
		Rule:                     newExperiment.Rule,
		IsPersonalizationEnabled: newExperiment.IsPersonalizationEnabled,
		ModelName:                newExperiment.ModelName,
		ModelVersion:             newExperiment.ModelVersion,
		IsRapidExperiment:        newExperiment.IsRapidExperiment,
		UserCap:                  newExperiment.UserCap,
		CreationTime:             newExperiment.CreationTime,
		ModificationTime:         newExperiment.ModificationTime,
	}
	s.lookup[id] = experiment
	return &experiment, nil
}

// CreateIndicesForNewExperiment claims the (application, label) pair. The
// secondary no-ops.
func (s *Store) CreateIndicesForNewExperiment(ctx context.Context, newExperiment abx.NewExperiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(CreateIndicesMethod); err != nil {
		return err
	}
	if !s.mintsIDs {
		return nil
	}
	key := labelKey(newExperiment.ApplicationName, newExperiment.Label)
	if holder, ok := s.labels[key]; ok && holder != newExperiment.ID {
		return abx.Error{Code: abx.Conflict,
			Err:      fmt.Errorf("experiment %s already exists on application %s", newExperiment.Label, newExperiment.ApplicationName),
			UserData: newExperiment.Label}
	}
	s.labels[key] = newExperiment.ID
	return nil
}

// GetExperiment fetches by id; deleted and unknown ids yield (nil, nil).
func (s *Store) GetExperiment(ctx context.Context, id abx.UUID) (*abx.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(GetExperimentMethod); err != nil {
		return nil, err
	}
	experiment, ok := s.lookup[id]
	if !ok || experiment.State == abx.Deleted {
		return nil, nil
	}
	return &experiment, nil
}

// GetExperimentByLabel fetches by (application, label) among non-deleted rows.
// The primary resolves through its label index, like the real store, so tests
// observe index/row divergence; the secondary has no index and scans.
func (s *Store) GetExperimentByLabel(ctx context.Context, applicationName, label string) (*abx.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(GetExperimentByLabelMethod); err != nil {
		return nil, err
	}
	if s.mintsIDs {
		id, claimed := s.labels[labelKey(applicationName, label)]
		if !claimed {
			return nil, nil
		}
		experiment, ok := s.lookup[id]
		if !ok || experiment.State == abx.Deleted {
			return nil, nil
		}
		return &experiment, nil
	}
	for _, experiment := range s.lookup {
		if experiment.ApplicationName == applicationName && experiment.Label == label && experiment.State != abx.Deleted {
			e := experiment
			return &e, nil
		}
	}
	return nil, nil
}

// GetExperiments lists all non-deleted rows.
func (s *Store) GetExperiments(ctx context.Context) ([]abx.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var experiments []abx.Experiment
	for _, experiment := range s.lookup {
		if experiment.State != abx.Deleted {
			experiments = append(experiments, experiment)
		}
	}
	return experiments, nil
}

// GetExperimentsByApplication lists the non-deleted rows of one application.
func (s *Store) GetExperimentsByApplication(ctx context.Context, applicationName string) ([]abx.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var experiments []abx.Experiment
	for _, experiment := range s.lookup {
		if experiment.ApplicationName == applicationName && experiment.State != abx.Deleted {
			experiments = append(experiments, experiment)
		}
	}
	return experiments, nil
}

// UpdateExperiment overwrites the stored row.
func (s *Store) UpdateExperiment(ctx context.Context, experiment abx.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateCalls++
	if err := s.induced(UpdateExperimentMethod); err != nil {
		return err
	}
	stored, ok := s.lookup[experiment.ID]
	if !ok {
		return abx.Error{Code: abx.NotFound, Err: fmt.Errorf("experiment %s not found", experiment.ID.String()), UserData: experiment.ID}
	}
	// An identity move re-claims the label index like the primary does, and a
	// write restoring a non-deleted state over a tombstoned row re-claims the
	// label the tombstoning write released.
	if s.mintsIDs && (stored.ApplicationName != experiment.ApplicationName || stored.Label != experiment.Label) {
		newKey := labelKey(experiment.ApplicationName, experiment.Label)
		if holder, claimed := s.labels[newKey]; claimed && holder != experiment.ID {
			return abx.Error{Code: abx.Conflict,
				Err:      fmt.Errorf("experiment %s already exists on application %s", experiment.Label, experiment.ApplicationName),
				UserData: experiment.Label}
		}
		s.releaseLabel(stored.ApplicationName, stored.Label, experiment.ID)
		s.labels[newKey] = experiment.ID
	} else if s.mintsIDs && stored.State == abx.Deleted && experiment.State != abx.Deleted {
		key := labelKey(experiment.ApplicationName, experiment.Label)
		if holder, claimed := s.labels[key]; claimed && holder != experiment.ID {
			return abx.Error{Code: abx.Conflict,
				Err:      fmt.Errorf("experiment %s already exists on application %s", experiment.Label, experiment.ApplicationName),
				UserData: experiment.Label}
		}
		s.labels[key] = experiment.ID
	}
	s.lookup[experiment.ID] = experiment
	// A tombstoning update releases the label for reuse, like the primary's
	// label index does.
	if s.mintsIDs && experiment.State == abx.Deleted {
		s.releaseLabel(experiment.ApplicationName, experiment.Label, experiment.ID)
	}
	return nil
}

// releaseLabel drops the (application, label) claim only when id still holds
// it; another experiment's claim is left intact.
func (s *Store) releaseLabel(applicationName, label string, id abx.UUID) {
	key := labelKey(applicationName, label)
	if holder, claimed := s.labels[key]; claimed && holder == id {
		delete(s.labels, key)
	}
}

// DeleteExperiment removes the row: a logical tombstone plus label release on
// the primary, a physical removal on the secondary. The release only frees the
// experiment's own claim, so a compensating delete cannot unclaim the label of
// a create race's winner.
func (s *Store) DeleteExperiment(ctx context.Context, experiment abx.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(DeleteExperimentMethod); err != nil {
		return err
	}
	if s.mintsIDs {
		if stored, ok := s.lookup[experiment.ID]; ok {
			stored.State = abx.Deleted
			s.lookup[experiment.ID] = stored
		}
		s.releaseLabel(experiment.ApplicationName, experiment.Label, experiment.ID)
		return nil
	}
	delete(s.lookup, experiment.ID)
	return nil
}

// GetApplicationsList returns the application names of the stored rows.
func (s *Store) GetApplicationsList(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var applicationNames []string
	for _, experiment := range s.lookup {
		if !seen[experiment.ApplicationName] {
			seen[experiment.ApplicationName] = true
			applicationNames = append(applicationNames, experiment.ApplicationName)
		}
	}
	return applicationNames, nil
}

// LogExperimentChanges appends audit records stamped with the given change
// instant. The secondary no-ops.
func (s *Store) LogExperimentChanges(ctx context.Context, id abx.UUID, changedAt time.Time, changes []abx.AuditInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.induced(LogExperimentChangesMethod); err != nil {
		return err
	}
	if !s.mintsIDs {
		return nil
	}
	s.audits[id] = append(s.audits[id], changes...)
	for range changes {
		s.auditAt[id] = append(s.auditAt[id], changedAt)
	}
	return nil
}

// Audits returns the audit trail recorded for the experiment.
func (s *Store) Audits(id abx.UUID) []abx.AuditInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]abx.AuditInfo(nil), s.audits[id]...)
}

// AuditTimes returns the change instants of the recorded audit rows, one per
// row in Audits order.
func (s *Store) AuditTimes(id abx.UUID) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.auditAt[id]...)
}

// Raw returns the stored row even when tombstoned, for post-state assertions.
func (s *Store) Raw(id abx.UUID) (abx.Experiment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	experiment, ok := s.lookup[id]
	return experiment, ok
}

// Buckets is a static bucket source keyed by experiment id.
type Buckets struct {
	mu     sync.Mutex
	lookup map[abx.UUID]abx.BucketList
}

// NewBuckets returns an empty bucket source.
func NewBuckets() *Buckets {
	return &Buckets{
		lookup: make(map[abx.UUID]abx.BucketList),
	}
}

// Set installs the bucket list of an experiment.
func (b *Buckets) Set(id abx.UUID, buckets ...abx.Bucket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lookup[id] = abx.BucketList{Buckets: buckets}
}

// GetBuckets implements abx.Buckets.
func (b *Buckets) GetBuckets(ctx context.Context, id abx.UUID) (abx.BucketList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookup[id], nil
}

// EventLog captures posted events synchronously so tests can assert on them
// without draining an async pump.
type EventLog struct {
	mu     sync.Mutex
	events []abx.DomainEvent
}

// NewEventLog returns an empty capture log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Post implements abx.EventLog.
func (l *EventLog) Post(ctx context.Context, event abx.DomainEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

// Events returns a snapshot of everything posted so far.
func (l *EventLog) Events() []abx.DomainEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]abx.DomainEvent(nil), l.events...)
}
