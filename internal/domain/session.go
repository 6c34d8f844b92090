package domain

import (
	"fmt"
	"strings"
	"time"
)

// Shift identifies one of the three daily production shifts.
type Shift int

const (
	ShiftMorning   Shift = 1
	ShiftAfternoon Shift = 2
	ShiftNight     Shift = 3
)

func (s Shift) IsValid() bool {
	return s >= ShiftMorning && s <= ShiftNight
}

// BackendName maps the shift ordinal to the backend enum.
func (s Shift) BackendName() string {
	switch s {
	case ShiftAfternoon:
		return "AFTERNOON"
	case ShiftNight:
		return "NIGHT"
	default:
		return "MORNING"
	}
}

func ParseShift(n int) (Shift, error) {
	s := Shift(n)
	if !s.IsValid() {
		return 0, fmt.Errorf("%w: invalid shift %d", ErrValidation, n)
	}
	return s, nil
}

// displayDateLayout is the DD-MM-YYYY format the floor stations work with.
const displayDateLayout = "02-01-2006"

// backendDateLayout is the YYYY-MM-DD format the backend expects.
const backendDateLayout = "2006-01-02"

// SessionIdentity is the natural key of one production session. At most one
// non-terminal batch exists per identity at a time.
type SessionIdentity struct {
	Product string `json:"product"`
	Shift   Shift  `json:"shift"`
	Date    string `json:"date"` // DD-MM-YYYY
}

func (id SessionIdentity) Validate() error {
	if strings.TrimSpace(id.Product) == "" {
		return fmt.Errorf("%w: product is required", ErrValidation)
	}
	if !id.Shift.IsValid() {
		return fmt.Errorf("%w: invalid shift %d", ErrValidation, id.Shift)
	}
	if _, err := time.Parse(displayDateLayout, id.Date); err != nil {
		return fmt.Errorf("%w: invalid date %q, want DD-MM-YYYY", ErrValidation, id.Date)
	}
	return nil
}

// Key derives the namespaced snapshot key for this identity.
func (id SessionIdentity) Key() string {
	return fmt.Sprintf("padaria:session:%s:%d:%s", strings.TrimSpace(id.Product), id.Shift, id.Date)
}

// BackendDate converts the display date to the backend's YYYY-MM-DD format.
// Identities are validated before use, so an unparseable date only occurs for
// hand-built values; those fall through unchanged.
func (id SessionIdentity) BackendDate() string {
	t, err := time.Parse(displayDateLayout, id.Date)
	if err != nil {
		return id.Date
	}
	return t.Format(backendDateLayout)
}
