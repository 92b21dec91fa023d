package clock

import (
	"testing"
	"time"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}

	c.Advance(31 * time.Minute)
	if got := c.Now().Sub(start); got != 31*time.Minute {
		t.Errorf("expected 31m elapsed, got %v", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Set did not pin the clock")
	}
}

func TestReal_IsUTC(t *testing.T) {
	if loc := (Real{}).Now().Location(); loc != time.UTC {
		t.Errorf("expected UTC, got %v", loc)
	}
}
