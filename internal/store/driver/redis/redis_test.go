package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/quayside/quayside/pkg/store"
)

func TestNormalizeTTL(t *testing.T) {
	tests := []struct {
		name    string
		in      time.Duration
		want    time.Duration
		wantErr error
	}{
		{"missing key", -2, 0, store.ErrKeyNotFound},
		{"no expiry", -1, -1, nil},
		{"live key", 10 * time.Second, 10 * time.Second, nil},
		{"zero", 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizeTTL(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("normalizeTTL(%d) error = %v, want %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("normalizeTTL(%d) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
