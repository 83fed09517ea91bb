package abx

import (
	"context"
	"time"
)

// ExperimentStore is the persistence contract implemented by both backends: the
// authoritative wide-column primary and the relational secondary mirror. The
// service writes primary-first and compensates in reverse order on failure, so
// both stores hold equivalent representations of every experiment after any
// successful operation.
type ExperimentStore interface {
	// CreateExperiment persists a new experiment in Draft state and returns it.
	// The primary mints an id when the payload carries none; the secondary
	// requires one.
	CreateExperiment(ctx context.Context, newExperiment NewExperiment) (*Experiment, error)
	// CreateIndicesForNewExperiment builds the lookup structures owned by the
	// primary: the per-application label uniqueness index and the application
	// registry. The secondary no-ops. A duplicate (application, label) pair
	// fails with Conflict.
	CreateIndicesForNewExperiment(ctx context.Context, newExperiment NewExperiment) error
	// GetExperiment fetches by id. Unknown ids and deleted experiments both
	// yield (nil, nil).
	GetExperiment(ctx context.Context, id UUID) (*Experiment, error)
	// GetExperimentByLabel fetches by (application, label) among non-deleted
	// experiments; (nil, nil) when absent.
	GetExperimentByLabel(ctx context.Context, applicationName, label string) (*Experiment, error)
	// GetExperiments lists all non-deleted experiments.
	GetExperiments(ctx context.Context) ([]Experiment, error)
	// GetExperimentsByApplication lists the non-deleted experiments of one application.
	GetExperimentsByApplication(ctx context.Context, applicationName string) ([]Experiment, error)
	// UpdateExperiment overwrites the stored row with the given experiment.
	UpdateExperiment(ctx context.Context, experiment Experiment) error
	// DeleteExperiment removes the experiment: logically on the primary (state
	// tombstone plus label-index removal so the label is reusable), physically
	// on the secondary mirror. Idempotent.
	DeleteExperiment(ctx context.Context, experiment Experiment) error
	// GetApplicationsList returns the known application names.
	GetApplicationsList(ctx context.Context) ([]string, error)
	// LogExperimentChanges appends attribute-level audit records for the
	// experiment, all stamped with the given change instant. Primary only; the
	// secondary no-ops.
	LogExperimentChanges(ctx context.Context, id UUID, changedAt time.Time, changes []AuditInfo) error
}

// Buckets exposes the bucket sets owned by the assignment subsystem. The
// lifecycle core reads them to validate a Draft experiment before it starts.
type Buckets interface {
	GetBuckets(ctx context.Context, id UUID) (BucketList, error)
}

// PriorityList keeps the per-application evaluation order of experiments. For
// any application it contains exactly the ids of its experiments that are not
// terminated or deleted, each at most once.
type PriorityList interface {
	// Append adds id at the tail of the application's list. Already-present ids
	// stay where they are; no duplicates.
	Append(ctx context.Context, applicationName string, id UUID) error
	// Remove drops id from the application's list; absent ids are a no-op.
	Remove(ctx context.Context, applicationName string, id UUID) error
	// Reorder replaces the application's list with newOrder, which must be a
	// permutation of the current ids.
	Reorder(ctx context.Context, applicationName string, newOrder []UUID) error
	// Get returns a snapshot of the application's list.
	Get(ctx context.Context, applicationName string) ([]UUID, error)
}

// Pages manages experiment-to-page bindings for targeting. The lifecycle core
// only erases them when an experiment terminates or is deleted.
type Pages interface {
	ErasePageData(ctx context.Context, applicationName string, id UUID, user UserInfo) error
}

// CompiledRule is a segmentation rule in evaluable form.
type CompiledRule interface {
	// Expression returns the source expression the rule was compiled from.
	Expression() string
	// Matches evaluates the rule against a user profile.
	Matches(profile map[string]any) (bool, error)
}

// RuleCompiler parses segmentation expressions into evaluable rules. Parse
// failures carry the RuleParse code.
type RuleCompiler interface {
	Parse(expression string) (CompiledRule, error)
}

// RuleCache maps experiment ids to their compiled segmentation rules. It is
// advisory: correctness never depends on a hit, only evaluation latency.
type RuleCache interface {
	// Get returns the cached rule or nil.
	Get(id UUID) CompiledRule
	Set(id UUID, rule CompiledRule)
	Clear(id UUID)
}

// EventLog is the append-only sink for domain events. Posting is
// fire-and-forget: implementations log failures and never surface them to the
// mutation path.
type EventLog interface {
	Post(ctx context.Context, event DomainEvent)
}

// LockKey is a lock request/ownership record for one keyed lock.
type LockKey struct {
	// Key is the formatted (namespaced) lock key name.
	Key string
	// LockID identifies this process' claim on the key.
	LockID UUID
	// IsLockOwner is set when the lock attempt won the key.
	IsLockOwner bool
}

// Locker serializes experiment operations across request handlers (and across
// processes, for distributed implementations). Update locks key on the
// experiment id; create locks key on the (application, label) pair.
type Locker interface {
	// CreateLockKeys builds lock keys with fresh lock ids for each name.
	CreateLockKeys(keys []string) []*LockKey
	// Lock attempts to acquire all keys with the given TTL. When a key is held
	// elsewhere it returns false and, when known, the holder's lock id.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all keys are currently owned by this process.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the keys owned by this process.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}
