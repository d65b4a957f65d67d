package activitypub

import (
	"testing"
	"time"
)

func TestAPBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		min      time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 3 * time.Minute},
		{3, 7 * time.Minute},
		{9, backoffMax},
		{40, backoffMax},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			got := apBackoff(tt.attempts)
			if got < tt.min || got > tt.min+tt.min/5 {
				t.Errorf("apBackoff(%d) = %s, expected within [%s, %s]", tt.attempts, got, tt.min, tt.min+tt.min/5)
			}
		}
	}
}
