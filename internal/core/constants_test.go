package core

import "testing"

func TestIsValidState(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"scheduled", true},
		{"started", true},
		{"completed", true},
		{"retired", false},
		{"", false},
		{"Completed", false}, // case sensitive
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := IsValidState(tt.state); got != tt.want {
				t.Errorf("IsValidState(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestStatesMatchValidStates(t *testing.T) {
	if len(States) != len(ValidStates) {
		t.Fatalf("States has %d entries, ValidStates has %d", len(States), len(ValidStates))
	}
	for _, s := range States {
		if !ValidStates[s] {
			t.Errorf("state %q missing from ValidStates", s)
		}
	}
}
