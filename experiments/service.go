// Package experiments orchestrates the experiment lifecycle across the
// subsystems that each hold part of an experiment's externally visible state:
// the authoritative primary store, the relational mirror, the per-application
// priority list, the rule cache, the page binder, and the event log. There is
// no distributed transaction spanning them; every mutation writes primary-first
// and compensates the already committed steps in reverse when a later step
// fails, so the observable state after any failure equals the pre-call state.
package experiments

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	retry "github.com/sethvargo/go-retry"

	"github.com/abstack/abx"
)

// lockDuration bounds how long a crashed holder can strand a distributed lock
// key. In-process lockers ignore the remainder once the holder unlocks.
const lockDuration = 2 * time.Minute

// Config carries the injected collaborators of a Service.
type Config struct {
	// Primary is the authoritative wide-column store; it mints ids and owns
	// the label index and the audit log.
	Primary abx.ExperimentStore
	// Secondary is the relational mirror used for reporting joins.
	Secondary    abx.ExperimentStore
	Buckets      abx.Buckets
	Pages        abx.Pages
	Priorities   abx.PriorityList
	RuleCache    abx.RuleCache
	RuleCompiler abx.RuleCompiler
	EventLog     abx.EventLog
	// Locker serializes operations per experiment id, and per (application,
	// label) pair during create.
	Locker abx.Locker
	// Clock anchors every "in the past" check to the moment of the call.
	// Defaults to the system clock.
	Clock abx.Clock
}

// Service is the experiment lifecycle core. Safe for concurrent use; operations
// on the same experiment id are serialized through the Locker.
type Service struct {
	primary      abx.ExperimentStore
	secondary    abx.ExperimentStore
	buckets      abx.Buckets
	pages        abx.Pages
	priorities   abx.PriorityList
	ruleCache    abx.RuleCache
	ruleCompiler abx.RuleCompiler
	eventLog     abx.EventLog
	locker       abx.Locker
	clock        abx.Clock
}

// New wires a Service from its collaborators. Every Config field except Clock
// is required.
func New(config Config) (*Service, error) {
	if config.Primary == nil || config.Secondary == nil {
		return nil, errors.New("both primary and secondary experiment stores are required")
	}
	if config.Buckets == nil || config.Pages == nil || config.Priorities == nil {
		return nil, errors.New("buckets, pages, and priorities collaborators are required")
	}
	if config.RuleCache == nil || config.RuleCompiler == nil {
		return nil, errors.New("rule cache and rule compiler are required")
	}
	if config.EventLog == nil || config.Locker == nil {
		return nil, errors.New("event log and locker are required")
	}
	if config.Clock == nil {
		config.Clock = abx.SystemClock()
	}
	return &Service{
		primary:      config.Primary,
		secondary:    config.Secondary,
		buckets:      config.Buckets,
		pages:        config.Pages,
		priorities:   config.Priorities,
		ruleCache:    config.RuleCache,
		ruleCompiler: config.RuleCompiler,
		eventLog:     config.EventLog,
		locker:       config.Locker,
		clock:        config.Clock,
	}, nil
}

// Get fetches an experiment by id from the primary store. Unknown and deleted
// ids both yield (nil, nil).
func (s *Service) Get(ctx context.Context, id abx.UUID) (*abx.Experiment, error) {
	return s.primary.GetExperiment(ctx, id)
}

// GetByLabel fetches an experiment by (application, label) from the primary store.
func (s *Service) GetByLabel(ctx context.Context, applicationName, label string) (*abx.Experiment, error) {
	return s.primary.GetExperimentByLabel(ctx, applicationName, label)
}

// List returns all non-deleted experiments.
func (s *Service) List(ctx context.Context) ([]abx.Experiment, error) {
	return s.primary.GetExperiments(ctx)
}

// ListByApplication returns the non-deleted experiments of one application.
func (s *Service) ListByApplication(ctx context.Context, applicationName string) ([]abx.Experiment, error) {
	return s.primary.GetExperimentsByApplication(ctx, applicationName)
}

// ListApplications returns the known application names.
func (s *Service) ListApplications(ctx context.Context) ([]string, error) {
	return s.primary.GetApplicationsList(ctx)
}

// acquireLock claims the named keys, retrying with backoff while another
// holder has any of them. Keys won so far are released before giving up.
func (s *Service) acquireLock(ctx context.Context, keys ...string) ([]*abx.LockKey, error) {
	lockKeys := s.locker.CreateLockKeys(keys)
	if err := abx.Retry(ctx, func(ctx context.Context) error {
		if ok, _, err := s.locker.Lock(ctx, lockDuration, lockKeys); !ok || err != nil {
			if err == nil {
				err = fmt.Errorf("lock failed, key(s) already locked by another")
			}
			log.Warn(err.Error() + ", will retry")
			return retry.RetryableError(err)
		}
		return nil
	}, func(ctx context.Context) { s.locker.Unlock(ctx, lockKeys) }); err != nil {
		return nil, abx.Error{Code: abx.LockAcquisitionFailure, Err: err}
	}
	return lockKeys, nil
}

// releaseLock unlocks on a context detached from the caller's cancellation so
// a canceled request still frees its keys.
func (s *Service) releaseLock(ctx context.Context, lockKeys []*abx.LockKey) {
	if err := s.locker.Unlock(context.WithoutCancel(ctx), lockKeys); err != nil {
		log.Warn(fmt.Sprintf("unlock failed, details: %v", err))
	}
}
