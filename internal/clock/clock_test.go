package clock

import (
	"testing"
	"time"
)

func TestDayStartKey(t *testing.T) {
	loc := time.FixedZone("test", 2*60*60)

	tests := []struct {
		name     string
		dayStart string
		now      time.Time
		want     string
	}{
		{"midnight start, afternoon", "00:00", time.Date(2024, 3, 10, 15, 0, 0, 0, loc), "2024-03-10"},
		{"midnight start, exactly midnight", "00:00", time.Date(2024, 3, 10, 0, 0, 0, 0, loc), "2024-03-10"},
		{"4am start, before boundary", "04:00", time.Date(2024, 3, 10, 3, 59, 0, 0, loc), "2024-03-09"},
		{"4am start, after boundary", "04:00", time.Date(2024, 3, 10, 4, 0, 0, 0, loc), "2024-03-10"},
		{"new year rollover", "00:30", time.Date(2025, 1, 1, 0, 10, 0, 0, loc), "2024-12-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := ParseDayStart(tt.dayStart)
			if err != nil {
				t.Fatalf("ParseDayStart(%q) failed: %v", tt.dayStart, err)
			}
			if got := ds.Key(tt.now); got != tt.want {
				t.Errorf("Key() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDayStartNext(t *testing.T) {
	ds := DayStart{Hour: 4}
	now := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)

	next := ds.Next(now)
	want := time.Date(2024, 3, 10, 4, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("Next() = %v, want %v", next, want)
	}
}

func TestParseDayStartInvalid(t *testing.T) {
	if _, err := ParseDayStart("25:99"); err == nil {
		t.Fatal("expected error for invalid day start")
	}
}

func TestTestClockAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewTestClock(start)

	c.Advance(90 * time.Second)
	if got := c.Now().Sub(start); got != 90*time.Second {
		t.Errorf("expected 90s advance, got %v", got)
	}
}
