package abx

import (
	"testing"
	"time"
)

func TestAuditValueFormats(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"checkout_v2", "checkout_v2"},
		{Running, "RUNNING"},
		{true, "true"},
		{false, "false"},
		{0.5, "0.5"},
		{float64(0), "0"},
		{float64(1), "1"},
		{int32(0), "0"},
		{int32(1000), "1000"},
		{time.Date(2026, 9, 1, 12, 30, 0, 0, time.UTC), "2026-09-01T12:30:00Z"},
	}
	for _, tc := range cases {
		if got := AuditValue(tc.in); got != tc.want {
			t.Errorf("AuditValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAuditValueNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CEST", 2*60*60)
	in := time.Date(2026, 9, 1, 14, 30, 0, 0, loc)
	if got := AuditValue(in); got != "2026-09-01T12:30:00Z" {
		t.Errorf("expected UTC rendering, got %q", got)
	}
}
