// Package priority keeps the per-application evaluation order of experiments.
// When several experiments on one application could match the same user, the
// priority list decides which is considered first. For any application the
// list holds exactly the ids of its experiments that are neither terminated
// nor deleted, each at most once.
package priority

import (
	"context"
	"fmt"
	"sync"

	"github.com/abstack/abx"
)

// List is the in-memory priority list. A single mutex serializes mutations;
// reads return defensive copies so callers never observe in-place changes.
type List struct {
	mu   sync.Mutex
	apps map[string][]abx.UUID
}

// NewList returns an empty priority list.
func NewList() *List {
	return &List{
		apps: make(map[string][]abx.UUID),
	}
}

// Append adds id at the tail of the application's list. Already-present ids
// keep their position; the list never holds duplicates.
func (l *List) Append(ctx context.Context, applicationName string, id abx.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.apps[applicationName] {
		if existing == id {
			return nil
		}
	}
	l.apps[applicationName] = append(l.apps[applicationName], id)
	return nil
}

// Remove drops id from the application's list. Absent ids are a no-op. An
// application whose list becomes empty is pruned.
func (l *List) Remove(ctx context.Context, applicationName string, id abx.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.apps[applicationName]
	for i, existing := range ids {
		if existing == id {
			l.apps[applicationName] = append(ids[:i], ids[i+1:]...)
			if len(l.apps[applicationName]) == 0 {
				delete(l.apps, applicationName)
			}
			return nil
		}
	}
	return nil
}

// Reorder replaces the application's list with newOrder. newOrder must be a
// permutation of the current ids; anything else fails with InvalidArgument and
// leaves the list untouched.
func (l *List) Reorder(ctx context.Context, applicationName string, newOrder []abx.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.apps[applicationName]
	if len(newOrder) != len(current) {
		return abx.Error{Code: abx.InvalidArgument,
			Err: fmt.Errorf("new order has %d ids, application %q has %d", len(newOrder), applicationName, len(current))}
	}
	seen := make(map[abx.UUID]bool, len(current))
	for _, id := range current {
		seen[id] = true
	}
	for _, id := range newOrder {
		if !seen[id] {
			return abx.Error{Code: abx.InvalidArgument,
				Err: fmt.Errorf("id %s is not in the priority list of application %q", id.String(), applicationName), UserData: id}
		}
		// Guard against the same id appearing twice in newOrder.
		delete(seen, id)
	}
	l.apps[applicationName] = append([]abx.UUID(nil), newOrder...)
	return nil
}

// Get returns a snapshot of the application's list, in evaluation order.
func (l *List) Get(ctx context.Context, applicationName string) ([]abx.UUID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]abx.UUID(nil), l.apps[applicationName]...), nil
}
