package assistant

import (
	"context"

	"github.com/pkg/errors"

	"github.com/upfree-labs/upfchat/pkg/events"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrMalformedEvent is returned by EventStream.Recv when the service sends an
// event whose payload cannot be decoded. The stream is unusable afterwards.
var ErrMalformedEvent = errors.New("malformed stream event")

// ToolOutput is the caller-supplied result for one pending tool call.
// Matched 1:1 to a ToolCall by ToolCallID.
type ToolOutput struct {
	ToolCallID string
	Output     string
}

// ThreadMessage is one persisted turn of the remote thread, oldest first.
type ThreadMessage struct {
	ID   string
	Role Role
	Text string
}

// RunOptions configures one generation attempt against a thread.
type RunOptions struct {
	// AdditionalInstructions are appended to the assistant's server-side
	// instructions for this run only (used to inject retrieved product
	// context).
	AdditionalInstructions string
}

// EventStream yields the events of one in-flight run, in strict arrival
// order. Recv returns io.EOF once the server closes the stream; any other
// error is terminal for the stream.
type EventStream interface {
	Recv() (events.Event, error)
	Close() error
}

// Service is the boundary to the hosted assistant runtime: a server-owned
// message history (thread) plus run attempts that stream events and may
// suspend awaiting tool outputs.
type Service interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID string, role Role, text string) error
	StartRun(ctx context.Context, threadID string, opts RunOptions) (EventStream, error)
	SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []ToolOutput) (EventStream, error)
	ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error)
}
