package chat

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/events"
)

type RouterState string

const (
	RouterStateIdle           RouterState = "idle"
	RouterStateStreaming      RouterState = "streaming"
	RouterStateCompleted      RouterState = "completed"
	RouterStateRequiresAction RouterState = "requires-action"
	RouterStateFailed         RouterState = "failed"
)

// DrainResult is the terminal outcome of draining one event stream.
type DrainResult struct {
	State RouterState
	// RunID and Pending are set when State is RouterStateRequiresAction.
	RunID   string
	Pending []events.ToolCall
	// Err is set when State is RouterStateFailed.
	Err error
}

const DefaultIdleTimeout = 60 * time.Second

// StreamEventRouter consumes the ordered event sequence of one run attempt,
// appending deltas to the shared PartialAnswer and publishing one UI update
// per delta. A router drains exactly one stream: when the server suspends the
// run for tool outputs, the bridge attaches a fresh router to the resumed
// stream.
type StreamEventRouter struct {
	answer      *PartialAnswer
	publish     func(events.Event)
	idleTimeout time.Duration
	state       RouterState
}

type RouterOption func(*StreamEventRouter)

func WithIdleTimeout(timeout time.Duration) RouterOption {
	return func(r *StreamEventRouter) {
		r.idleTimeout = timeout
	}
}

// WithPublisher sets the sink for incremental UI updates. The pipeline passes
// a generation-guarded publisher so a stale router cannot touch the UI after
// a newer submission started.
func WithPublisher(publish func(events.Event)) RouterOption {
	return func(r *StreamEventRouter) {
		r.publish = publish
	}
}

func NewStreamEventRouter(answer *PartialAnswer, options ...RouterOption) *StreamEventRouter {
	ret := &StreamEventRouter{
		answer:      answer,
		publish:     func(events.Event) {},
		idleTimeout: DefaultIdleTimeout,
		state:       RouterStateIdle,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (r *StreamEventRouter) State() RouterState {
	return r.state
}

type recvResult struct {
	event events.Event
	err   error
}

// Drain consumes the stream until a terminal state is reached. The stream is
// closed on return. Events arrive in true chronological order from the
// transport; nothing is reordered or buffered here.
func (r *StreamEventRouter) Drain(ctx context.Context, stream assistant.EventStream) DrainResult {
	defer func() {
		_ = stream.Close()
	}()

	r.state = RouterStateStreaming

	recvCh := make(chan recvResult)
	go func() {
		defer close(recvCh)
		for {
			ev, err := stream.Recv()
			select {
			case recvCh <- recvResult{event: ev, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(r.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.fail(ctx.Err())

		case <-idle.C:
			return r.fail(errors.Errorf("stream idle for more than %s", r.idleTimeout))

		case res, ok := <-recvCh:
			if !ok {
				return r.fail(errors.New("stream closed unexpectedly"))
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					// end of stream without a terminal run event
					return r.fail(errors.New("stream ended before the run finished"))
				}
				return r.fail(res.err)
			}

			// Reset without a drain: since go 1.23 the timer channel is
			// unbuffered, so a receive here can block forever when the timer
			// fired concurrently with the event arrival
			idle.Reset(r.idleTimeout)

			if result, terminal := r.route(res.event); terminal {
				return result
			}
		}
	}
}

// route applies one event to the state machine. It returns the drain result
// and true once a terminal state is reached.
func (r *StreamEventRouter) route(ev events.Event) (DrainResult, bool) {
	switch e := ev.(type) {
	case *events.EventTextCreated:
		log.Debug().Object("meta", e.Metadata()).Msg("assistant message started")

	case *events.EventTextDelta:
		r.answer.Append(e.Delta)
		r.publish(events.NewTextDeltaEvent(e.Metadata(), e.Delta, r.answer.String()))

	case *events.EventToolCallCreated:
		// diagnostic only, does not affect the partial answer
		log.Debug().Str("kind", e.Kind).Msg("tool call created")

	case *events.EventToolCallDelta:
		log.Trace().Str("tool_call_id", e.ToolCallID).Str("arguments_delta", e.ArgumentsDelta).Msg("tool call delta")

	case *events.EventRunRequiresAction:
		// the server suspended the run; this stream is over for us
		r.state = RouterStateRequiresAction
		return DrainResult{
			State:   RouterStateRequiresAction,
			RunID:   e.RunID,
			Pending: e.ToolCalls,
		}, true

	case *events.EventRunCompleted:
		r.state = RouterStateCompleted
		return DrainResult{State: RouterStateCompleted, RunID: e.RunID}, true

	case *events.EventRunFailed:
		return r.fail(errors.New(e.ErrorString)), true

	default:
		log.Warn().Str("event_type", string(ev.Type())).Msg("unhandled stream event")
	}

	return DrainResult{}, false
}

func (r *StreamEventRouter) fail(err error) DrainResult {
	r.state = RouterStateFailed
	log.Error().Err(err).Msg("stream event router failed")
	return DrainResult{State: RouterStateFailed, Err: err}
}
