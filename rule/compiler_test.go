package rule

import (
	"testing"

	"github.com/abstack/abx"
)

func TestCompileEqualityRule(t *testing.T) {
	c, err := NewCompiler()
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	r, err := c.Parse("country=US")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if r.Expression() != "country=US" {
		t.Errorf("expected source expression to round-trip, got %q", r.Expression())
	}
	ok, err := r.Matches(map[string]any{"country": "US"})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if !ok {
		t.Errorf("expected country=US to match profile with country US")
	}
	ok, err = r.Matches(map[string]any{"country": "CA"})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if ok {
		t.Errorf("expected country=US not to match profile with country CA")
	}
}

func TestCompileCompoundRule(t *testing.T) {
	c, err := NewCompiler()
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	r, err := c.Parse("salary > 80000 & state = 'CA'")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	cases := []struct {
		profile map[string]any
		want    bool
	}{
		{map[string]any{"salary": 90000, "state": "CA"}, true},
		{map[string]any{"salary": 70000, "state": "CA"}, false},
		{map[string]any{"salary": 90000, "state": "NY"}, false},
	}
	for i, tc := range cases {
		got, err := r.Matches(tc.profile)
		if err != nil {
			t.Errorf("case %d: %v", i, err)
			continue
		}
		if got != tc.want {
			t.Errorf("case %d: expected %v, got %v", i, tc.want, got)
		}
	}
}

func TestCompileDisjunctionAndNegation(t *testing.T) {
	c, _ := NewCompiler()
	r, err := c.Parse("(vip = true | purchases >= 10) & !(region != 'EU')")
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	ok, err := r.Matches(map[string]any{"vip": false, "purchases": 12, "region": "EU"})
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
	if !ok {
		t.Errorf("expected compound rule to match")
	}
}

func TestParseFailureCarriesRuleParseCode(t *testing.T) {
	c, _ := NewCompiler()
	for _, expr := range []string{"", "   ", "country = 'US", "a = ¢"} {
		_, err := c.Parse(expr)
		if err == nil {
			t.Errorf("expected parse of %q to fail", expr)
			continue
		}
		if abx.CodeOf(err) != abx.RuleParse {
			t.Errorf("expected RuleParse code for %q, got %v", expr, abx.CodeOf(err))
		}
	}
}

func TestNormalizeRewrites(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"country=US", `profile["country"] == "US"`},
		{"salary > 80000 & state = 'CA'", `profile["salary"] > 80000 && profile["state"] == "CA"`},
		{"a != b | c <= -5", `profile["a"] != "b" || profile["c"] <= -5`},
		{"flag = true", `profile["flag"] == true`},
	}
	for _, tc := range cases {
		got, err := normalize(tc.in)
		if err != nil {
			t.Errorf("normalize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("normalize(%q) = %q, expected %q", tc.in, got, tc.want)
		}
	}
}
