package models

import "time"

// EventType tags the variants of the feed event union.
type EventType string

const (
	EventTick                    EventType = "tick"
	EventBigMoveAlert            EventType = "big_move_alert"
	EventInitialData             EventType = "initial_data"
	EventSubscriptionConfirmed   EventType = "subscription_confirmed"
	EventSubscriptionStatus      EventType = "subscription_status"
	EventUnsubscriptionConfirmed EventType = "unsubscription_confirmed"
	EventSubscriptionError       EventType = "subscription_error"
)

// Event is the closed union published on the event bus. Exactly one struct
// exists per EventType; the unexported marker keeps the set closed so
// consumers can switch exhaustively instead of probing fields.
type Event interface {
	EventType() EventType
	Instrument() string
	isEvent()
}

// Tick is the lightweight per-instrument update published for every decoded
// fragment regardless of score.
type Tick struct {
	Type      EventType `json:"type"`
	Key       string    `json:"symbol"`
	LTP       float64   `json:"ltp"`
	Volume    float64   `json:"volume"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

func (Tick) EventType() EventType { return EventTick }
func (e Tick) Instrument() string { return e.Key }
func (Tick) isEvent()             {}

// BigMoveAlert is published when a scored update crosses the alert threshold.
type BigMoveAlert struct {
	Type EventType `json:"type"`
	Key  string    `json:"symbol"`
	AlertResult
	LTP       float64   `json:"ltp"`
	Timestamp time.Time `json:"timestamp"`
}

func (BigMoveAlert) EventType() EventType { return EventBigMoveAlert }
func (e BigMoveAlert) Instrument() string { return e.Key }
func (BigMoveAlert) isEvent()             {}

// InitialData replays a cached snapshot to a newly attached consumer.
type InitialData struct {
	Type      EventType  `json:"type"`
	Key       string     `json:"symbol"`
	LTP       float64    `json:"ltp"`
	Score     float64    `json:"score"`
	Level     AlertLevel `json:"alertLevel"`
	Timestamp time.Time  `json:"timestamp"`
}

func (InitialData) EventType() EventType { return EventInitialData }
func (e InitialData) Instrument() string { return e.Key }
func (InitialData) isEvent()             {}

// SubscriptionConfirmed acknowledges a successful subscribe request.
type SubscriptionConfirmed struct {
	Type      EventType `json:"type"`
	Key       string    `json:"symbol"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

func (SubscriptionConfirmed) EventType() EventType { return EventSubscriptionConfirmed }
func (e SubscriptionConfirmed) Instrument() string { return e.Key }
func (SubscriptionConfirmed) isEvent()             {}

// SubscriptionStatus reports a benign no-op outcome such as already_active.
type SubscriptionStatus struct {
	Type      EventType `json:"type"`
	Key       string    `json:"symbol"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (SubscriptionStatus) EventType() EventType { return EventSubscriptionStatus }
func (e SubscriptionStatus) Instrument() string { return e.Key }
func (SubscriptionStatus) isEvent()             {}

// UnsubscriptionConfirmed acknowledges a successful unsubscribe request.
type UnsubscriptionConfirmed struct {
	Type      EventType `json:"type"`
	Key       string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
}

func (UnsubscriptionConfirmed) EventType() EventType { return EventUnsubscriptionConfirmed }
func (e UnsubscriptionConfirmed) Instrument() string { return e.Key }
func (UnsubscriptionConfirmed) isEvent()             {}

// SubscriptionError reports a failed registry operation as a status-bearing
// event rather than an exception.
type SubscriptionError struct {
	Type      EventType `json:"type"`
	Key       string    `json:"symbol"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (SubscriptionError) EventType() EventType { return EventSubscriptionError }
func (e SubscriptionError) Instrument() string { return e.Key }
func (SubscriptionError) isEvent()             {}
