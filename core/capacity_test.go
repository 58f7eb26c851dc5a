package core

import "testing"

func TestCapacityCostBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		interval uint32
		want     int
	}{
		{7500, 50},
		{10000, 50},
		{15000, 25},
		{40000, 17},
		{60000, 13},
		{120000, 10},
		{320000, 5},
		{4000000, 1},
	}
	for _, tc := range cases {
		if got := cfg.CapacityCostPercent(tc.interval); got != tc.want {
			t.Errorf("CapacityCostPercent(%d) = %d, want %d", tc.interval, got, tc.want)
		}
	}
}

func TestSelectPreferredInterval(t *testing.T) {
	cases := []struct {
		name             string
		pref             Preference
		minUsec, maxUsec uint32
		base, want       uint32
	}{
		{"capacity rounds max down", PreferCapacity, 30000, 75000, 10000, 70000},
		{"capacity without multiple", PreferCapacity, 31000, 39000, 10000, 39000},
		{"performance rounds min up", PreferPerformance, 7500, 75000, 10000, 10000},
		{"performance without multiple", PreferPerformance, 31000, 39000, 10000, 31000},
		{"performance exact", PreferPerformance, 40000, 40000, 40000, 40000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := selectPreferredInterval(tc.pref, tc.minUsec, tc.maxUsec, tc.base); got != tc.want {
				t.Fatalf("selectPreferredInterval = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestCommonRelative(t *testing.T) {
	cfg := DefaultConfig()
	if v, ok := cfg.commonRelative(40000, PreferCapacity, 15000, 90000); !ok || v != 80000 {
		t.Fatalf("capacity relative = (%d, %v), want (80000, true)", v, ok)
	}
	if v, ok := cfg.commonRelative(40000, PreferPerformance, 15000, 90000); !ok || v != 20000 {
		t.Fatalf("performance relative = (%d, %v), want (20000, true)", v, ok)
	}
	if _, ok := cfg.commonRelative(40000, PreferPerformance, 50000, 70000); ok {
		t.Fatal("expected no relative inside [50000, 70000]")
	}
}

func TestParsePreference(t *testing.T) {
	if p, err := ParsePreference("capacity"); err != nil || p != PreferCapacity {
		t.Fatalf("ParsePreference(capacity) = %v, %v", p, err)
	}
	if p, err := ParsePreference(""); err != nil || p != PreferPerformance {
		t.Fatalf("ParsePreference(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePreference("fastest"); err == nil {
		t.Fatal("expected error for unknown preference")
	}
}
