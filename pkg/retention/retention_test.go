package retention

import (
	"strings"
	"testing"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   bool
	}{
		{"zero policy", Policy{}, false},
		{"within only", Policy{WithinDays: 7}, true},
		{"last only", Policy{Last: 3}, true},
		{"monthly only", Policy{Monthly: 6}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArgs(t *testing.T) {
	p := Policy{WithinDays: 14, Daily: 7, Monthly: 6}
	got := strings.Join(p.Args(), " ")
	want := "--keep-within=14d --keep-daily=7 --keep-monthly=6"
	if got != want {
		t.Errorf("Args() = %q, want %q", got, want)
	}

	if args := (Policy{}).Args(); len(args) != 0 {
		t.Errorf("expected no args for zero policy, got %v", args)
	}
}

func TestDefaultIsEnabled(t *testing.T) {
	if !Default().Enabled() {
		t.Error("default policy must be enabled")
	}
}
