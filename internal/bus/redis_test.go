package bus

import (
	"testing"
	"time"
)

func TestReadBackoff(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{7, 5 * time.Second},
		{50, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := readBackoff(tt.failures); got != tt.want {
			t.Errorf("readBackoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
