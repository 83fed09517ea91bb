// Package abx defines the core types, collaborator interfaces, and helpers used across
// the experiment lifecycle service. It provides the Experiment entity and its state
// machine, field validators, shared error codes, and the contracts implemented by the
// storage and infrastructure backends. Concrete backends live in subpackages such as
// cassandra (authoritative wide-column store), postgres (relational mirror), redis
// (distributed lock keys), rule (segmentation-rule compilation and caching), and
// eventlog (async domain-event sink), while the orchestration that keeps them mutually
// consistent lives in the experiments subpackage.
// It is a foundational package that other components build upon.
package abx

// Consistency model
//
// Experiment mutations fan out to several subsystems (primary store, priority list,
// secondary store, index tables, event log) and there is no distributed transaction
// manager spanning them. Writes are ordered primary-first and every step carries a
// compensation path that undoes the previously committed steps when a later step
// fails, so the observable state after any failure equals the pre-call state. The
// event log is exempt: posting is best-effort and never aborts or compensates an
// operation.
//
// Compensations run to completion once started. They execute on a context detached
// from the caller's cancellation so a canceled request cannot strand partial state
// across the stores.
