// Package pages holds the in-memory binding of experiments to the pages they
// target. Page CRUD belongs to the targeting subsystem; the lifecycle core only
// needs bindings to exist and to be erasable when an experiment terminates or
// is deleted.
package pages

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/abstack/abx"
)

// Binder maps (application, experiment) to page names.
type Binder struct {
	mu sync.Mutex
	// bindings is applicationName → experiment id → page names.
	bindings map[string]map[abx.UUID][]string
}

// NewBinder returns an empty page binder.
func NewBinder() *Binder {
	return &Binder{
		bindings: make(map[string]map[abx.UUID][]string),
	}
}

// Bind associates the experiment with the given pages, replacing any previous
// binding.
func (b *Binder) Bind(ctx context.Context, applicationName string, id abx.UUID, pages ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	app := b.bindings[applicationName]
	if app == nil {
		app = make(map[abx.UUID][]string)
		b.bindings[applicationName] = app
	}
	app[id] = append([]string(nil), pages...)
	return nil
}

// Get returns the pages bound to the experiment.
func (b *Binder) Get(ctx context.Context, applicationName string, id abx.UUID) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bindings[applicationName][id]...), nil
}

// ErasePageData removes every page binding of the experiment. Erasing an
// experiment with no bindings is a no-op, so termination teardown can always
// call it.
func (b *Binder) ErasePageData(ctx context.Context, applicationName string, id abx.UUID, user abx.UserInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	app := b.bindings[applicationName]
	if app == nil {
		return nil
	}
	delete(app, id)
	if len(app) == 0 {
		delete(b.bindings, applicationName)
	}
	log.Debug("erased page data of experiment " + id.String() + " on application " + applicationName + " for user " + user.Username)
	return nil
}
