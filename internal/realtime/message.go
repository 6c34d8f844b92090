package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sgmi/padaria-floor/internal/domain"
)

// Wire message types. The backend pushes the first five; the station sends
// ping and batch_action.
const (
	TypeConnectionEstablished = "connection_established"
	TypeBatchCreated          = "batch_created"
	TypeBatchStatusUpdated    = "batch_status_updated"
	TypeTimerUpdate           = "timer_update"
	TypePong                  = "pong"
	TypePing                  = "ping"
	TypeBatchAction           = "batch_action"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TimerUpdate is the authoritative elapsed-time push for a running batch.
type TimerUpdate struct {
	BatchID        string        `json:"batch_id"`
	ElapsedSeconds int           `json:"elapsed_seconds"`
	Status         domain.Status `json:"status"`
}

// Message is a decoded inbound push. Exactly one of the payload fields is set,
// matching Type; unknown types keep the raw payload so callers can log it.
type Message struct {
	Type      string
	Timestamp time.Time
	Batch     *domain.BatchStatus
	Timer     *TimerUpdate
	Raw       json.RawMessage
}

// Known reports whether the station understands this message type.
func (m Message) Known() bool {
	switch m.Type {
	case TypeConnectionEstablished, TypeBatchCreated, TypeBatchStatusUpdated, TypeTimerUpdate, TypePong:
		return true
	}
	return false
}

// Decode parses an inbound frame. A frame of an unknown type decodes without
// error; only malformed JSON is rejected.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("malformed realtime frame: %w", err)
	}

	msg := Message{Type: env.Type, Timestamp: env.Timestamp, Raw: env.Data}

	switch env.Type {
	case TypeBatchCreated, TypeBatchStatusUpdated:
		var batch domain.BatchStatus
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			return Message{}, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		batch.Status = normalizeStatus(batch.Status)
		msg.Batch = &batch
	case TypeTimerUpdate:
		var timer TimerUpdate
		if err := json.Unmarshal(env.Data, &timer); err != nil {
			return Message{}, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		timer.Status = normalizeStatus(timer.Status)
		msg.Timer = &timer
	}

	return msg, nil
}

// normalizeStatus folds case variants onto the canonical status values; some
// backend builds push lowercase. Unrecognized values pass through unchanged.
func normalizeStatus(s domain.Status) domain.Status {
	if st, err := domain.ParseStatusFromString(string(s)); err == nil {
		return st
	}
	return s
}

// NewPing builds the application-level keepalive frame.
func NewPing(now time.Time) Envelope {
	return Envelope{Type: TypePing, Timestamp: now}
}

// NewBatchAction builds the frame that mirrors a lifecycle action to other
// stations watching the same plan.
func NewBatchAction(batchID string, action domain.Action, now time.Time) (Envelope, error) {
	if batchID == "" {
		return Envelope{}, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if !action.IsValid() {
		return Envelope{}, fmt.Errorf("%w: unknown action %q", domain.ErrValidation, action)
	}

	data, err := json.Marshal(map[string]string{
		"batch_id": batchID,
		"action":   string(action),
	})
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{Type: TypeBatchAction, Data: data, Timestamp: now}, nil
}
