package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Status represents the lifecycle state of a production batch.
type Status string

const (
	StatusPlanned    Status = "PLANNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusStopped    Status = "STOPPED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPlanned, StatusInProgress, StatusPaused, StatusCompleted, StatusStopped:
		return true
	}
	return false
}

// IsTerminal reports whether the batch can never leave this status again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusStopped
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the batch state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPlanned:
		return next == StatusInProgress || next == StatusStopped
	case StatusInProgress:
		return next == StatusPaused || next == StatusCompleted || next == StatusStopped
	case StatusPaused:
		return next == StatusInProgress || next == StatusCompleted || next == StatusStopped
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Action represents a batch command accepted by the backend.
type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionComplete Action = "complete"
	ActionStop     Action = "stop"
)

func (a Action) String() string { return string(a) }

func (a Action) IsValid() bool {
	switch a {
	case ActionStart, ActionPause, ActionResume, ActionComplete, ActionStop:
		return true
	}
	return false
}

func ParseActionFromString(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.IsValid() {
		return "", fmt.Errorf("%w: invalid action %q", ErrValidation, s)
	}
	return a, nil
}

// BatchMetrics carries backend-computed figures for a finished batch. They are
// descriptive only and never feed the elapsed-time computation.
type BatchMetrics struct {
	DurationMinutes          *float64 `json:"duration_minutes,omitempty"`
	EffectiveDurationMinutes *float64 `json:"effective_duration_minutes,omitempty"`
	EfficiencyPercentage     *float64 `json:"efficiency_percentage,omitempty"`
}

// BatchStatus is the authoritative record of one production batch.
//
// StartTime is set once, on the first transition to IN_PROGRESS. EndTime is
// set once, on the transition to a terminal status. PauseDurationMinutes only
// ever grows; PauseStartTime marks the current pause and is cleared on resume.
// PauseDurationMinutes carries fractional minutes so elapsed time stays exact
// to the second; reporting rounds it via RoundedPauseMinutes.
type BatchStatus struct {
	ID                   string        `json:"id"`
	ProductionPlanID     string        `json:"production_plan_id"`
	Status               Status        `json:"status"`
	StartTime            *time.Time    `json:"start_time,omitempty"`
	EndTime              *time.Time    `json:"end_time,omitempty"`
	PauseDurationMinutes float64       `json:"pause_duration_minutes"`
	PauseStartTime       *time.Time    `json:"pause_start_time,omitempty"`
	BatchNumber          int           `json:"batch_number"`
	TotalBatches         int           `json:"total_batches"`
	EstimatedKg          float64       `json:"estimated_kg"`
	Metrics              *BatchMetrics `json:"metrics,omitempty"`
}

func (b *BatchStatus) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: batch is required", ErrValidation)
	}
	if strings.TrimSpace(b.ID) == "" {
		return fmt.Errorf("%w: batch id is required", ErrValidation)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, b.Status)
	}
	if b.BatchNumber < 1 {
		return fmt.Errorf("%w: batch number must be >= 1 (got %d)", ErrValidation, b.BatchNumber)
	}
	if b.TotalBatches < b.BatchNumber {
		return fmt.Errorf("%w: total batches %d below batch number %d", ErrValidation, b.TotalBatches, b.BatchNumber)
	}
	if b.PauseDurationMinutes < 0 {
		return fmt.Errorf("%w: pause duration must not be negative", ErrValidation)
	}
	return nil
}

// Elapsed returns the working seconds accumulated by the batch at the given
// instant: wall time since start minus accumulated pause time, never negative.
// While paused the current pause marker caps the window, so the value holds
// still without any stored counter. Terminal batches are frozen at EndTime.
func (b *BatchStatus) Elapsed(now time.Time) int {
	if b == nil || b.StartTime == nil {
		return 0
	}

	end := now
	switch {
	case b.Status.IsTerminal() && b.EndTime != nil:
		end = *b.EndTime
	case b.Status == StatusPaused && b.PauseStartTime != nil:
		end = *b.PauseStartTime
	}

	elapsed := end.Sub(*b.StartTime) - b.PauseDuration()
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / time.Second)
}

// PauseDuration is the accumulated pause time as a duration.
func (b *BatchStatus) PauseDuration() time.Duration {
	if b == nil {
		return 0
	}
	return time.Duration(b.PauseDurationMinutes * float64(time.Minute))
}

// RoundedPauseMinutes is the accumulated pause time in whole minutes, the
// figure shown to operators and reported to the backend.
func (b *BatchStatus) RoundedPauseMinutes() int {
	return RoundMinutes(b.PauseDuration())
}

// EffectivePauseMinutes returns the accumulated pause minutes including an
// in-flight pause that has not been folded in yet, rounded to whole minutes.
func (b *BatchStatus) EffectivePauseMinutes(now time.Time) int {
	if b == nil {
		return 0
	}
	total := b.PauseDuration()
	if b.Status == StatusPaused && b.PauseStartTime != nil {
		total += now.Sub(*b.PauseStartTime)
	}
	return RoundMinutes(total)
}

// RoundMinutes converts a duration to whole minutes, rounding half up. A 30s
// pause therefore counts as one minute, matching the backend's accounting.
func RoundMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Minutes()))
}
