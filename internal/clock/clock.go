package clock

import (
	"fmt"
	"sync"
	"time"
)

// DateLayout is the layout of day keys.
const DateLayout = "2006-01-02"

// Clock provides time information to the engine, tracker and settlement.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// TestClock provides a settable time for testing.
type TestClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

// NewTestClock returns a TestClock starting at t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{CurrentTime: t}
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CurrentTime
}

// Set moves the test clock to ts.
func (t *TestClock) Set(ts time.Time) {
	t.mu.Lock()
	t.CurrentTime = ts
	t.mu.Unlock()
}

// Advance moves the test clock forward by d.
func (t *TestClock) Advance(d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentTime = t.CurrentTime.Add(d)
	return t.CurrentTime
}

// DayStart is the local time of day at which a new calendar day begins.
type DayStart struct {
	Hour   int
	Minute int
}

// ParseDayStart parses an HH:MM day start.
func ParseDayStart(s string) (DayStart, error) {
	if s == "" {
		return DayStart{}, nil
	}
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return DayStart{}, fmt.Errorf("invalid day start %q: %w", s, err)
	}
	return DayStart{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// String formats the day start as HH:MM.
func (d DayStart) String() string {
	return fmt.Sprintf("%02d:%02d", d.Hour, d.Minute)
}

// DayOf returns the start of the day containing now.
func (d DayStart) DayOf(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, now.Location())

	// Before the day start, yesterday is still the current day
	if now.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}

// Key returns the day key of now in its own location.
func (d DayStart) Key(now time.Time) string {
	return d.DayOf(now).Format(DateLayout)
}

// Next returns the next day boundary strictly after now.
func (d DayStart) Next(now time.Time) time.Time {
	return d.DayOf(now).AddDate(0, 0, 1)
}
