package throttle

import (
	"testing"
	"time"
)

func TestState_Active(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		until time.Time
		want  bool
	}{
		{"future deadline", now.Add(5 * time.Second), true},
		{"past deadline", now.Add(-5 * time.Second), false},
		{"zero state", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{Until: tt.until}
			if got := s.Active(now); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_Remaining(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	s := State{Until: now.Add(7 * time.Second)}
	if got := s.Remaining(now); got != 7*time.Second {
		t.Errorf("Remaining() = %v, want 7s", got)
	}

	expired := State{Until: now.Add(-time.Second)}
	if got := expired.Remaining(now); got != 0 {
		t.Errorf("Remaining() on expired = %v, want 0", got)
	}
}

func TestThrottling(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{429, true},
		{503, true},
		{500, false},
		{200, false},
		{404, false},
	}

	for _, tt := range tests {
		if got := Throttling(tt.status); got != tt.want {
			t.Errorf("Throttling(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
