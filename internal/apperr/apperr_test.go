package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	sentinel := New(Conflict, "cab unavailable")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"sentinel", sentinel, Conflict},
		{"fmt wrapped", fmt.Errorf("reserve c1: %w", sentinel), Conflict},
		{"plain error", errors.New("boom"), Internal},
		{"wrapped plain", Wrap(UpstreamUnavailable, "geocode", errors.New("timeout")), UpstreamUnavailable},
		{"validation", Validationf("bad lat %v", 91), Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapKeepsChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "ledger.reserve", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if Wrap(Internal, "noop", nil) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}
