package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// Text lifecycle of the current run attempt
	EventTypeTextCreated EventType = "text-created"
	EventTypeTextDelta   EventType = "text-delta"

	// Tool call lifecycle as observed on the stream. Created/delta events are
	// diagnostic only; the pending calls that matter arrive on requires-action.
	EventTypeToolCallCreated EventType = "tool-call-created"
	EventTypeToolCallDelta   EventType = "tool-call-delta"

	// Run terminal / suspension states
	EventTypeRunRequiresAction EventType = "run-requires-action"
	EventTypeRunCompleted      EventType = "run-completed"
	EventTypeRunFailed         EventType = "run-failed"

	// Final is published by the pipeline, not the stream: the one terminal
	// update per user submission, carrying the full answer text.
	EventTypeFinal EventType = "final"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON if the event was deserialized (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

// SetPayload stores the raw JSON payload on the event implementation.
func (e *EventImpl) SetPayload(b []byte) {
	e.payload = b
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventMetadata carries the correlation identifiers attached to every stream
// event: which local session, remote thread and run attempt it belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"message_id"`
	SessionID string    `json:"session_id,omitempty"`
	ThreadID  string    `json:"thread_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	if em.ThreadID != "" {
		e.Str("thread_id", em.ThreadID)
	}
	if em.RunID != "" {
		e.Str("run_id", em.RunID)
	}
}

// EventTextCreated marks the beginning of a new assistant message on the
// current run attempt.
type EventTextCreated struct {
	EventImpl
}

func NewTextCreatedEvent(metadata EventMetadata) *EventTextCreated {
	return &EventTextCreated{
		EventImpl: EventImpl{Type_: EventTypeTextCreated, Metadata_: metadata},
	}
}

var _ Event = &EventTextCreated{}

// EventTextDelta is the incremental text event. Delta is the new fragment,
// Completion the accumulated text of the whole submission so far (across
// tool-resumed continuations).
type EventTextDelta struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewTextDeltaEvent(metadata EventMetadata, delta string, completion string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl:  EventImpl{Type_: EventTypeTextDelta, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventTextDelta{}

type EventToolCallCreated struct {
	EventImpl
	Kind string `json:"kind"`
}

func NewToolCallCreatedEvent(metadata EventMetadata, kind string) *EventToolCallCreated {
	return &EventToolCallCreated{
		EventImpl: EventImpl{Type_: EventTypeToolCallCreated, Metadata_: metadata},
		Kind:      kind,
	}
}

var _ Event = &EventToolCallCreated{}

type EventToolCallDelta struct {
	EventImpl
	ToolCallID     string `json:"tool_call_id,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
	OutputDelta    string `json:"output_delta,omitempty"`
}

func NewToolCallDeltaEvent(metadata EventMetadata, toolCallID, argumentsDelta, outputDelta string) *EventToolCallDelta {
	return &EventToolCallDelta{
		EventImpl:      EventImpl{Type_: EventTypeToolCallDelta, Metadata_: metadata},
		ToolCallID:     toolCallID,
		ArgumentsDelta: argumentsDelta,
		OutputDelta:    outputDelta,
	}
}

var _ Event = &EventToolCallDelta{}

// ToolCall is one pending tool invocation requested by the assistant. Each
// must receive exactly one ToolOutput with a matching ID before the run can
// resume.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (tc ToolCall) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("id", tc.ID).Str("name", tc.Name).Str("arguments", tc.Arguments)
}

// EventRunRequiresAction is emitted when the server suspends the run awaiting
// tool outputs. No further events arrive on this stream.
type EventRunRequiresAction struct {
	EventImpl
	RunID     string     `json:"run_id"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

func NewRunRequiresActionEvent(metadata EventMetadata, runID string, toolCalls []ToolCall) *EventRunRequiresAction {
	return &EventRunRequiresAction{
		EventImpl: EventImpl{Type_: EventTypeRunRequiresAction, Metadata_: metadata},
		RunID:     runID,
		ToolCalls: toolCalls,
	}
}

var _ Event = &EventRunRequiresAction{}

type EventRunCompleted struct {
	EventImpl
	RunID string `json:"run_id"`
}

func NewRunCompletedEvent(metadata EventMetadata, runID string) *EventRunCompleted {
	return &EventRunCompleted{
		EventImpl: EventImpl{Type_: EventTypeRunCompleted, Metadata_: metadata},
		RunID:     runID,
	}
}

var _ Event = &EventRunCompleted{}

type EventRunFailed struct {
	EventImpl
	RunID       string `json:"run_id,omitempty"`
	ErrorString string `json:"error_string"`
}

func NewRunFailedEvent(metadata EventMetadata, runID string, err error) *EventRunFailed {
	errString := ""
	if err != nil {
		errString = err.Error()
	}
	return &EventRunFailed{
		EventImpl:   EventImpl{Type_: EventTypeRunFailed, Metadata_: metadata},
		RunID:       runID,
		ErrorString: errString,
	}
}

var _ Event = &EventRunFailed{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

func (e EventTextCreated) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
}

func (e EventTextDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta).Str("completion", e.Completion)
}

func (e EventToolCallCreated) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("kind", e.Kind)
}

func (e EventToolCallDelta) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("tool_call_id", e.ToolCallID).Str("arguments_delta", e.ArgumentsDelta)
}

func (e EventRunRequiresAction) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("run_id", e.RunID)
	arr := zerolog.Arr()
	for _, tc := range e.ToolCalls {
		arr.Object(tc)
	}
	ev.Array("tool_calls", arr)
}

func (e EventRunCompleted) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("run_id", e.RunID)
}

func (e EventRunFailed) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("run_id", e.RunID).Str("error", e.ErrorString)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

// NewEventFromJson reparses a serialized event into its concrete type, so
// watermill subscribers get the same tagged union the producer published.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	var ret Event
	ok := true
	switch e.Type_ {
	case EventTypeTextCreated:
		ret, ok = ToTypedEvent[EventTextCreated](e)
	case EventTypeTextDelta:
		ret, ok = ToTypedEvent[EventTextDelta](e)
	case EventTypeToolCallCreated:
		ret, ok = ToTypedEvent[EventToolCallCreated](e)
	case EventTypeToolCallDelta:
		ret, ok = ToTypedEvent[EventToolCallDelta](e)
	case EventTypeRunRequiresAction:
		ret, ok = ToTypedEvent[EventRunRequiresAction](e)
	case EventTypeRunCompleted:
		ret, ok = ToTypedEvent[EventRunCompleted](e)
	case EventTypeRunFailed:
		ret, ok = ToTypedEvent[EventRunFailed](e)
	case EventTypeFinal:
		ret, ok = ToTypedEvent[EventFinal](e)
	default:
		return e, nil
	}
	if !ok {
		return nil, fmt.Errorf("could not cast event of type %s", e.Type_)
	}

	// typed events keep the raw payload so they can be re-cast downstream
	if impl, hasPayload := ret.(interface{ SetPayload([]byte) }); hasPayload {
		impl.SetPayload(b)
	}
	return ret, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}
