package abx

import (
	"strings"
	"testing"
	"time"
)

var (
	validStart = time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	validEnd   = time.Date(2099, 6, 1, 0, 0, 0, 0, time.UTC)
)

func validNewExperiment() NewExperiment {
	return NewExperiment{
		ApplicationName: "shop",
		Label:           "checkout_v2",
		SamplingPercent: 0.5,
		StartTime:       validStart,
		EndTime:         validEnd,
	}
}

func TestValidIdentifier(t *testing.T) {
	valid := []string{"a", "A1", "shop", "checkout_v2", "exp.2026-01", "0leading-digit"}
	for _, s := range valid {
		if !ValidIdentifier(s) {
			t.Errorf("expected %q to be a valid identifier", s)
		}
	}
	invalid := []string{"", "_leading", ".leading", "-leading", "has space", "tab\tbad",
		strings.Repeat("a", 65)}
	for _, s := range invalid {
		if ValidIdentifier(s) {
			t.Errorf("expected %q to be rejected", s)
		}
	}
	// Exactly 64 characters is the upper bound.
	if !ValidIdentifier(strings.Repeat("a", 64)) {
		t.Errorf("expected a 64-character identifier to pass")
	}
}

func TestValidateNewExperimentHappyPath(t *testing.T) {
	if err := ValidateNewExperiment(validNewExperiment()); err != nil {
		t.Error(err)
	}
	// Equal boundaries pass.
	n := validNewExperiment()
	n.StartTime = validEnd
	if err := ValidateNewExperiment(n); err != nil {
		t.Errorf("expected equal start and end times to pass, got %v", err)
	}
	// Sampling percent endpoints are inclusive.
	for _, p := range []float64{0, 1} {
		n := validNewExperiment()
		n.SamplingPercent = p
		if err := ValidateNewExperiment(n); err != nil {
			t.Errorf("expected sampling percent %v to pass, got %v", p, err)
		}
	}
}

func TestValidateNewExperimentRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NewExperiment)
		code   ErrorCode
	}{
		{"missing application", func(n *NewExperiment) { n.ApplicationName = "" }, InvalidArgument},
		{"malformed application", func(n *NewExperiment) { n.ApplicationName = "_shop" }, InvalidIdentifier},
		{"malformed label", func(n *NewExperiment) { n.Label = "has space" }, InvalidIdentifier},
		{"empty label", func(n *NewExperiment) { n.Label = "" }, InvalidIdentifier},
		{"negative sampling", func(n *NewExperiment) { n.SamplingPercent = -0.1 }, InvalidArgument},
		{"sampling above one", func(n *NewExperiment) { n.SamplingPercent = 1.1 }, InvalidArgument},
		{"missing start time", func(n *NewExperiment) { n.StartTime = time.Time{} }, InvalidArgument},
		{"missing end time", func(n *NewExperiment) { n.EndTime = time.Time{} }, InvalidArgument},
		{"inverted times", func(n *NewExperiment) { n.StartTime, n.EndTime = n.EndTime, n.StartTime }, InvalidArgument},
		{"personalization without model", func(n *NewExperiment) { n.IsPersonalizationEnabled = true }, InvalidArgument},
		{"negative user cap", func(n *NewExperiment) { n.UserCap = -1 }, InvalidArgument},
		{"rapid without cap", func(n *NewExperiment) { n.IsRapidExperiment = true }, InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n := validNewExperiment()
			tc.mutate(&n)
			if err := ValidateNewExperiment(n); CodeOf(err) != tc.code {
				t.Errorf("expected error code %d, got %v", tc.code, err)
			}
		})
	}
}

func TestValidateNewExperimentPersonalization(t *testing.T) {
	n := validNewExperiment()
	n.IsPersonalizationEnabled = true
	n.ModelName = "ranker"
	if err := ValidateNewExperiment(n); err != nil {
		t.Errorf("expected personalization with a model name to pass, got %v", err)
	}
	n.IsRapidExperiment = true
	n.UserCap = 1
	if err := ValidateNewExperiment(n); err != nil {
		t.Errorf("expected rapid experiment with a cap to pass, got %v", err)
	}
}

func TestValidateExperimentState(t *testing.T) {
	e := Experiment{
		ApplicationName: "shop",
		Label:           "checkout_v2",
		State:           Running,
		SamplingPercent: 0.5,
		StartTime:       validStart,
		EndTime:         validEnd,
	}
	if err := ValidateExperiment(e); err != nil {
		t.Error(err)
	}
	e.State = "ARCHIVED"
	if err := ValidateExperiment(e); CodeOf(err) != InvalidArgument {
		t.Errorf("expected InvalidArgument for unknown state, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	legal := []struct{ from, to State }{
		{Draft, Running}, {Draft, Deleted},
		{Running, Paused}, {Running, Terminated},
		{Paused, Running}, {Paused, Terminated},
		{Terminated, Deleted},
	}
	for _, e := range legal {
		if err := ValidateStateTransition(e.from, e.to); err != nil {
			t.Errorf("expected %s -> %s to be legal, got %v", e.from, e.to, err)
		}
	}
	illegal := []struct{ from, to State }{
		{Draft, Paused}, {Draft, Terminated},
		{Running, Draft}, {Running, Deleted},
		{Paused, Draft}, {Paused, Deleted},
		{Terminated, Draft}, {Terminated, Running}, {Terminated, Paused},
		{Deleted, Draft}, {Deleted, Running}, {Deleted, Paused}, {Deleted, Terminated},
		// Self-transitions are not edges.
		{Draft, Draft}, {Running, Running}, {Deleted, Deleted},
	}
	for _, e := range illegal {
		if err := ValidateStateTransition(e.from, e.to); CodeOf(err) != InvalidStateTransition {
			t.Errorf("expected %s -> %s to be illegal, got %v", e.from, e.to, err)
		}
	}
}

func TestValidateExperimentBuckets(t *testing.T) {
	good := []Bucket{
		{Label: "control", Allocation: 0.5, IsControl: true},
		{Label: "variant", Allocation: 0.5},
	}
	if err := ValidateExperimentBuckets(good); err != nil {
		t.Error(err)
	}

	cases := []struct {
		name    string
		buckets []Bucket
	}{
		{"empty", nil},
		{"duplicate labels", []Bucket{
			{Label: "a", Allocation: 0.5, IsControl: true},
			{Label: "a", Allocation: 0.5},
		}},
		{"negative allocation", []Bucket{
			{Label: "a", Allocation: -0.5, IsControl: true},
			{Label: "b", Allocation: 1.5},
		}},
		{"sum below one", []Bucket{
			{Label: "a", Allocation: 0.4, IsControl: true},
			{Label: "b", Allocation: 0.4},
		}},
		{"no control", []Bucket{
			{Label: "a", Allocation: 0.5},
			{Label: "b", Allocation: 0.5},
		}},
		{"two controls", []Bucket{
			{Label: "a", Allocation: 0.5, IsControl: true},
			{Label: "b", Allocation: 0.5, IsControl: true},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateExperimentBuckets(tc.buckets); CodeOf(err) != InvalidArgument {
				t.Errorf("expected InvalidArgument, got %v", err)
			}
		})
	}

	// Floating point slack: thirds sum to 1 within tolerance.
	thirds := []Bucket{
		{Label: "a", Allocation: 1.0 / 3, IsControl: true},
		{Label: "b", Allocation: 1.0 / 3},
		{Label: "c", Allocation: 1.0 / 3},
	}
	if err := ValidateExperimentBuckets(thirds); err != nil {
		t.Errorf("expected thirds to pass the allocation check, got %v", err)
	}
}
