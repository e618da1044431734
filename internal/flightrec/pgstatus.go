package flightrec

import "sync"

// ProcessGroupStatus tracks the progress of one process group. It is
// updated by the issuing layer and the watchdog and read by dumps.
type ProcessGroupStatus struct {
	mu sync.Mutex

	lastEnqueuedSeq  int64
	lastStartedSeq   int64
	lastCompletedSeq int64

	lastEnqueuedWorkName  string
	lastStartedWorkName   string
	lastCompletedWorkName string

	lastEnqueuedNumelIn   int64
	lastEnqueuedNumelOut  int64
	lastCompletedNumelIn  int64
	lastCompletedNumelOut int64
}

// NewProcessGroupStatus returns a status with no collective seen yet.
func NewProcessGroupStatus() *ProcessGroupStatus {
	return &ProcessGroupStatus{
		lastEnqueuedSeq:  -1,
		lastStartedSeq:   -1,
		lastCompletedSeq: -1,
	}
}

// Enqueued records that collective seq was issued.
func (s *ProcessGroupStatus) Enqueued(seq int64, workName string, numelIn, numelOut int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastEnqueuedSeq = seq
	s.lastEnqueuedWorkName = workName
	s.lastEnqueuedNumelIn = numelIn
	s.lastEnqueuedNumelOut = numelOut
}

// Started records that collective seq was observed running.
func (s *ProcessGroupStatus) Started(seq int64, workName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastStartedSeq {
		return
	}
	s.lastStartedSeq = seq
	s.lastStartedWorkName = workName
}

// Completed records that collective seq was observed finished.
func (s *ProcessGroupStatus) Completed(seq int64, workName string, numelIn, numelOut int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastCompletedSeq {
		return
	}
	s.lastCompletedSeq = seq
	s.lastCompletedWorkName = workName
	s.lastCompletedNumelIn = numelIn
	s.lastCompletedNumelOut = numelOut
}

// PGStatusRecord is the dump view of a ProcessGroupStatus.
type PGStatusRecord struct {
	LastEnqueuedCollective  int64  `json:"last_enqueued_collective" yaml:"last_enqueued_collective"`
	LastStartedCollective   int64  `json:"last_started_collective" yaml:"last_started_collective"`
	LastCompletedCollective int64  `json:"last_completed_collective" yaml:"last_completed_collective"`
	LastEnqueuedWorkName    string `json:"last_enqueued_work_name,omitempty" yaml:"last_enqueued_work_name,omitempty"`
	LastStartedWorkName     string `json:"last_started_work_name,omitempty" yaml:"last_started_work_name,omitempty"`
	LastCompletedWorkName   string `json:"last_completed_work_name,omitempty" yaml:"last_completed_work_name,omitempty"`
	LastEnqueuedNumelIn     int64  `json:"last_enqueued_numel_in" yaml:"last_enqueued_numel_in"`
	LastEnqueuedNumelOut    int64  `json:"last_enqueued_numel_out" yaml:"last_enqueued_numel_out"`
	LastCompletedNumelIn    int64  `json:"last_completed_numel_in" yaml:"last_completed_numel_in"`
	LastCompletedNumelOut   int64  `json:"last_completed_numel_out" yaml:"last_completed_numel_out"`
}

// Snapshot returns the current status.
func (s *ProcessGroupStatus) Snapshot() PGStatusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PGStatusRecord{
		LastEnqueuedCollective:  s.lastEnqueuedSeq,
		LastStartedCollective:   s.lastStartedSeq,
		LastCompletedCollective: s.lastCompletedSeq,
		LastEnqueuedWorkName:    s.lastEnqueuedWorkName,
		LastStartedWorkName:     s.lastStartedWorkName,
		LastCompletedWorkName:   s.lastCompletedWorkName,
		LastEnqueuedNumelIn:     s.lastEnqueuedNumelIn,
		LastEnqueuedNumelOut:    s.lastEnqueuedNumelOut,
		LastCompletedNumelIn:    s.lastCompletedNumelIn,
		LastCompletedNumelOut:   s.lastCompletedNumelOut,
	}
}
