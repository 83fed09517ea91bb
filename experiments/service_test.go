package experiments_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/abstack/abx"
	"github.com/abstack/abx/experiments"
	"github.com/abstack/abx/experiments/mocks"
	"github.com/abstack/abx/lock"
	"github.com/abstack/abx/pages"
	"github.com/abstack/abx/priority"
	"github.com/abstack/abx/rule"
)

var admin = abx.UserInfo{Username: "admin"}

// testNow is the fixed instant every fixture clock reports.
var testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

var (
	testStart = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	testEnd   = time.Date(2099, 6, 1, 0, 0, 0, 0, time.UTC)
)

func ptr[T any](v T) *T { return &v }

type fixture struct {
	svc        *experiments.Service
	primary    *mocks.Store
	secondary  *mocks.Store
	buckets    *mocks.Buckets
	binder     *pages.Binder
	priorities *priority.List
	cache      *rule.Cache
	events     *mocks.EventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	compiler, err := rule.NewCompiler()
	if err != nil {
		t.Fatalf("NewCompiler failed: %v", err)
	}
	f := &fixture{
		primary:    mocks.NewPrimaryStore(),
		secondary:  mocks.NewSecondaryStore(),
		buckets:    mocks.NewBuckets(),
		binder:     pages.NewBinder(),
		priorities: priority.NewList(),
		cache:      rule.NewCache(),
		events:     mocks.NewEventLog(),
	}
	f.svc, err = experiments.New(experiments.Config{
		Primary:      f.primary,
		Secondary:    f.secondary,
		Buckets:      f.buckets,
		Pages:        f.binder,
		Priorities:   f.priorities,
		RuleCache:    f.cache,
		RuleCompiler: compiler,
		EventLog:     f.events,
		Locker:       lock.NewKeyed(),
		Clock:        abx.ClockFunc(func() time.Time { return testNow }),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

// create makes a Draft experiment on the shop application with a sane bucket
// set so it can later start.
func (f *fixture) create(t *testing.T, label string) abx.UUID {
	t.Helper()
	ctx := context.Background()
	id, err := f.svc.Create(ctx, abx.NewExperiment{
		ApplicationName: "shop",
		Label:           label,
		SamplingPercent: 0.5,
		StartTime:       testStart,
		EndTime:         testEnd,
	}, admin)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", label, err)
	}
	f.buckets.Set(id,
		abx.Bucket{Label: "control", Allocation: 0.5, IsControl: true},
		abx.Bucket{Label: "variant", Allocation: 0.5})
	return id
}

// advance walks the experiment through the given states via Update.
func (f *fixture) advance(t *testing.T, id abx.UUID, states ...abx.State) {
	t.Helper()
	for _, state := range states {
		if _, err := f.svc.Update(context.Background(), id, abx.Patch{State: ptr(state)}, admin); err != nil {
			t.Fatalf("transition to %s failed: %v", state, err)
		}
	}
}

func (f *fixture) priorityList(t *testing.T, applicationName string) []abx.UUID {
	t.Helper()
	ids, err := f.priorities.Get(context.Background(), applicationName)
	if err != nil {
		t.Fatalf("priorities.Get failed: %v", err)
	}
	return ids
}

func containsID(ids []abx.UUID, id abx.UUID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func createEvents(events []abx.DomainEvent) []abx.ExperimentCreateEvent {
	var out []abx.ExperimentCreateEvent
	for _, e := range events {
		if ce, ok := e.(abx.ExperimentCreateEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

func changeEvents(events []abx.DomainEvent, attribute string) []abx.ExperimentChangeEvent {
	var out []abx.ExperimentChangeEvent
	for _, e := range events {
		if ce, ok := e.(abx.ExperimentChangeEvent); ok && (attribute == "" || ce.AttributeName == attribute) {
			out = append(out, ce)
		}
	}
	return out
}

func TestCreateHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.Create(ctx, abx.NewExperiment{
		ApplicationName: "shop",
		Label:           "cart-cta",
		SamplingPercent: 0.5,
		StartTime:       testStart,
		EndTime:         testEnd,
	}, admin)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id.IsNil() {
		t.Fatal("Create returned the nil id")
	}

	fromPrimary, err := f.svc.Get(ctx, id)
	if err != nil || fromPrimary == nil {
		t.Fatalf("primary lookup failed: (%v, %v)", fromPrimary, err)
	}
	if fromPrimary.State != abx.Draft {
		t.Errorf("new experiment should be Draft, got %s", fromPrimary.State)
	}
	if !fromPrimary.CreationTime.Equal(testNow) || !fromPrimary.ModificationTime.Equal(testNow) {
		t.Errorf("timestamps should come from the injected clock, got %v / %v", fromPrimary.CreationTime, fromPrimary.ModificationTime)
	}

	fromSecondary, err := f.secondary.GetExperiment(ctx, id)
	if err != nil || fromSecondary == nil {
		t.Fatalf("secondary lookup failed: (%v, %v)", fromSecondary, err)
	}
	if *fromSecondary != *fromPrimary {
		t.Errorf("mirror row diverged from primary: %+v vs %+v", fromSecondary, fromPrimary)
	}

	if !containsID(f.priorityList(t, "shop"), id) {
		t.Error("priorities[shop] should contain the new id")
	}
	if got := createEvents(f.events.Events()); len(got) != 1 || got[0].Experiment.ID != id || got[0].User != admin {
		t.Errorf("expected exactly one create event for the id, got %v", got)
	}
}

func TestCreateValidationTouchesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	bad := []abx.NewExperiment{
		{ApplicationName: "", Label: "x", SamplingPercent: 0.5, StartTime: testStart, EndTime: testEnd},
		{ApplicationName: "shop", Label: "bad label!", SamplingPercent: 0.5, StartTime: testStart, EndTime: testEnd},
		{ApplicationName: "shop", Label: "x", SamplingPercent: 1.5, StartTime: testStart, EndTime: testEnd},
		{ApplicationName: "shop", Label: "x", SamplingPercent: 0.5, StartTime: testEnd, EndTime: testStart},
	}
	for _, newExperiment := range bad {
		if _, err := f.svc.Create(ctx, newExperiment, admin); !abx.IsValidation(err) {
			t.Errorf("expected a validation failure for %+v, got %v", newExperiment, err)
		}
	}

	all, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("no experiment should exist after failed creates, got %v", all)
	}
	if len(f.events.Events()) != 0 {
		t.Error("no event should be posted for a failed create")
	}
}

func TestCreateDuplicateLabelConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.create(t, "cart-cta")

	_, err := f.svc.Create(ctx, abx.NewExperiment{
		ApplicationName: "shop",
		Label:           "cart-cta",
		SamplingPercent: 0.1,
		StartTime:       testStart,
		EndTime:         testEnd,
	}, admin)
	if abx.CodeOf(err) != abx.Conflict {
		t.Errorf("expected Conflict for a duplicate (app, label), got %v", err)
	}
}

func TestConcurrentCreatesOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Create(ctx, abx.NewExperiment{
				ApplicationName: "shop",
				Label:           "cart-cta",
				SamplingPercent: 0.5,
				StartTime:       testStart,
				EndTime:         testEnd,
			}, admin)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if abx.CodeOf(err) != abx.Conflict {
			t.Errorf("losers should fail with Conflict, got %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("exactly one concurrent create should win, got %d", winners)
	}
	if got := f.priorityList(t, "shop"); len(got) != 1 {
		t.Errorf("priorities[shop] should hold exactly the winner, got %v", got)
	}
}

func TestCreateCompensation(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		arrange func(f *fixture)
	}{
		{"primary create fails", func(f *fixture) { f.primary.InduceErrorOnMethod = mocks.CreateExperimentMethod }},
		{"secondary create fails", func(f *fixture) { f.secondary.InduceErrorOnMethod = mocks.CreateExperimentMethod }},
		{"index build fails", func(f *fixture) { f.primary.InduceErrorOnMethod = mocks.CreateIndicesMethod }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.arrange(f)

			_, err := f.svc.Create(ctx, abx.NewExperiment{
				ApplicationName: "shop",
				Label:           "cart-cta",
				SamplingPercent: 0.5,
				StartTime:       testStart,
				EndTime:         testEnd,
			}, admin)
			if abx.CodeOf(err) != abx.RepositoryTransient {
				t.Fatalf("expected the induced error to propagate, got %v", err)
			}

			if got, _ := f.primary.GetExperimentByLabel(ctx, "shop", "cart-cta"); got != nil {
				t.Errorf("primary should not expose the experiment after compensation, got %+v", got)
			}
			if got, _ := f.secondary.GetExperimentByLabel(ctx, "shop", "cart-cta"); got != nil {
				t.Errorf("secondary should not hold the mirror row after compensation, got %+v", got)
			}
			if got := f.priorityList(t, "shop"); len(got) != 0 {
				t.Errorf("priorities[shop] should be empty after compensation, got %v", got)
			}
			if len(f.events.Events()) != 0 {
				t.Error("no event should be posted for a compensated create")
			}
		})
	}
}

func TestCreateCancelledBeforeStoreWrites(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Create(ctx, abx.NewExperiment{
		ApplicationName: "shop",
		Label:           "cart-cta",
		SamplingPercent: 0.5,
		StartTime:       testStart,
		EndTime:         testEnd,
	}, admin)
	if err == nil {
		t.Fatal("a cancelled create should fail")
	}
	if got, _ := f.primary.GetExperimentByLabel(ctx, "shop", "cart-cta"); got != nil {
		t.Error("a cancelled create should leave no primary row")
	}
}

func TestListOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.create(t, "cart-cta")
	second := f.create(t, "checkout-flow")

	all, err := f.svc.List(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("List should return both experiments, got (%v, %v)", all, err)
	}
	byApp, err := f.svc.ListByApplication(ctx, "shop")
	if err != nil || len(byApp) != 2 {
		t.Fatalf("ListByApplication should return both experiments, got (%v, %v)", byApp, err)
	}
	apps, err := f.svc.ListApplications(ctx)
	if err != nil || len(apps) != 1 || apps[0] != "shop" {
		t.Fatalf("ListApplications mismatch: (%v, %v)", apps, err)
	}
	byLabel, err := f.svc.GetByLabel(ctx, "shop", "cart-cta")
	if err != nil || byLabel == nil || byLabel.ID != first {
		t.Fatalf("GetByLabel mismatch: (%v, %v)", byLabel, err)
	}

	// A deleted experiment disappears from every list.
	f.advance(t, second, abx.Deleted)
	all, _ = f.svc.List(ctx)
	if len(all) != 1 || all[0].ID != first {
		t.Errorf("deleted experiments should be invisible to List, got %v", all)
	}
}
