// Package core provides the error taxonomy and the flight-recorder dump schema
// constants. All packages should import from here to ensure consistency across
// the codebase.
package core

// DumpVersion is the schema version of the flight-recorder dump.
// Bump the minor version when adding fields, the major version when
// changing existing fields.
const DumpVersion = "2.4"

// Entry states as reported in dumps.
const (
	StateScheduled = "scheduled"
	StateStarted   = "started"
	StateCompleted = "completed"
)

// States is the ordered list of entry states.
var States = []string{
	StateScheduled,
	StateStarted,
	StateCompleted,
}

// ValidStates is a map for O(1) state validation.
var ValidStates = map[string]bool{
	StateScheduled: true,
	StateStarted:   true,
	StateCompleted: true,
}

// IsValidState checks if the given entry state is valid.
func IsValidState(state string) bool {
	return ValidStates[state]
}
