package chat

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/events"
	"github.com/upfree-labs/upfchat/pkg/search"
)

const DefaultMaxToolRounds = 5

// Pipeline runs one user submission end to end: append the user turn, start
// a run, drain its event stream, resolve tool pauses, and persist the final
// answer. One sequential pipeline per submission; a newer submission
// invalidates the UI and transcript writes of any still-streaming older one.
type Pipeline struct {
	svc      assistant.Service
	searcher search.Searcher
	session  *ConversationSession
	bridge   *ToolInvocationBridge
	sinks    []events.EventSink

	idleTimeout   time.Duration
	maxToolRounds int
	searchLimit   int

	// context injection pre-fetches product context for the prompt and
	// attaches it to the run as additional instructions
	injectContext bool

	generation atomic.Int64
}

type PipelineOption func(*Pipeline)

func WithEventSinks(sinks ...events.EventSink) PipelineOption {
	return func(p *Pipeline) {
		p.sinks = append(p.sinks, sinks...)
	}
}

func WithPipelineIdleTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.idleTimeout = timeout
	}
}

func WithMaxToolRounds(rounds int) PipelineOption {
	return func(p *Pipeline) {
		p.maxToolRounds = rounds
	}
}

func WithSearchLimit(limit int) PipelineOption {
	return func(p *Pipeline) {
		p.searchLimit = limit
	}
}

func WithContextInjection(enabled bool) PipelineOption {
	return func(p *Pipeline) {
		p.injectContext = enabled
	}
}

func NewPipeline(svc assistant.Service, searcher search.Searcher, session *ConversationSession, options ...PipelineOption) *Pipeline {
	ret := &Pipeline{
		svc:           svc,
		searcher:      searcher,
		session:       session,
		idleTimeout:   DefaultIdleTimeout,
		maxToolRounds: DefaultMaxToolRounds,
		searchLimit:   search.DefaultLimit,
		injectContext: true,
	}
	for _, o := range options {
		o(ret)
	}
	ret.bridge = NewToolInvocationBridge(svc, searcher, ret.searchLimit)
	return ret
}

// Ask processes one user submission and returns the final answer text.
// Exactly one terminal event (final text or failure) is published per call.
func (p *Pipeline) Ask(ctx context.Context, prompt string) (string, error) {
	gen := p.generation.Add(1)

	// sinks attached to the context join the configured ones for this call
	sinks := append([]events.EventSink{}, p.sinks...)
	sinks = append(sinks, events.GetEventSinks(ctx)...)

	meta := events.EventMetadata{
		ID:        uuid.New(),
		SessionID: p.session.ID(),
	}

	threadID, err := p.session.Start(ctx)
	if err != nil {
		return "", p.failSubmission(gen, sinks, meta, errors.Wrap(err, "bind thread"))
	}
	meta.ThreadID = threadID

	instructions := ""
	if p.injectContext {
		instructions = p.contextInstructions(ctx, prompt)
	}

	if err := p.session.SubmitUserTurn(ctx, prompt); err != nil {
		return "", p.failSubmission(gen, sinks, meta, errors.Wrap(err, "append user turn"))
	}

	stream, err := p.svc.StartRun(ctx, threadID, assistant.RunOptions{
		AdditionalInstructions: instructions,
	})
	if err != nil {
		return "", p.failSubmission(gen, sinks, meta, errors.Wrap(err, "start run"))
	}

	// one accumulator per submission, carried across tool-resumed
	// continuations
	answer := &PartialAnswer{}
	publish := func(ev events.Event) {
		p.publish(gen, sinks, ev)
	}

	rounds := 0
	for {
		router := NewStreamEventRouter(answer,
			WithIdleTimeout(p.idleTimeout),
			WithPublisher(publish),
		)
		result := router.Drain(ctx, stream)

		switch result.State {
		case RouterStateCompleted:
			return p.finishSubmission(ctx, gen, sinks, meta, answer.String())

		case RouterStateRequiresAction:
			rounds++
			if rounds > p.maxToolRounds {
				return "", p.failSubmission(gen, sinks, meta, errors.Wrapf(ErrMaxToolRounds, "%d rounds", rounds))
			}
			stream, err = p.bridge.Resolve(ctx, threadID, result.RunID, result.Pending)
			if err != nil {
				return "", p.failSubmission(gen, sinks, meta, errors.Wrap(err, "resume run"))
			}
			// fresh router on the resumed stream, same accumulator

		case RouterStateFailed:
			return "", p.failSubmission(gen, sinks, meta, result.Err)

		default:
			return "", p.failSubmission(gen, sinks, meta, errors.Errorf("unexpected router state %s", result.State))
		}
	}
}

// contextInstructions pre-fetches product context for the prompt. Failures
// degrade to no context; the submission proceeds either way.
func (p *Pipeline) contextInstructions(ctx context.Context, prompt string) string {
	summaries, err := p.searcher.Query(ctx, prompt, p.searchLimit)
	if err != nil {
		log.Debug().Err(err).Msg("no product context for prompt")
		return ""
	}

	lines := make([]string, 0, len(summaries))
	for _, s := range summaries {
		lines = append(lines, fmt.Sprintf("%s contains: %s", s.Name, s.Ingredients))
	}
	return fmt.Sprintf("This is the user prompt: %s\nUse these results from the vector database for your answer: %s",
		prompt, strings.Join(lines, "\n"))
}

func (p *Pipeline) finishSubmission(ctx context.Context, gen int64, sinks []events.EventSink, meta events.EventMetadata, text string) (string, error) {
	if p.generation.Load() != gen {
		log.Debug().Int64("generation", gen).Msg("discarding superseded submission result")
		return "", ErrSuperseded
	}

	if text == "" {
		return "", p.failSubmission(gen, sinks, meta, ErrEmptyAnswer)
	}

	if err := p.session.SubmitAssistantTurn(ctx, text); err != nil {
		return "", p.failSubmission(gen, sinks, meta, err)
	}

	p.publish(gen, sinks, events.NewFinalEvent(meta, text))
	return text, nil
}

func (p *Pipeline) failSubmission(gen int64, sinks []events.EventSink, meta events.EventMetadata, err error) error {
	log.Error().Err(err).Str("session_id", meta.SessionID).Msg("submission failed")
	p.publish(gen, sinks, events.NewRunFailedEvent(meta, meta.RunID, err))
	return err
}

// publish forwards an event to the configured sinks unless a newer
// submission has started: a stale router's late deltas must not reach the UI
// target bound to the new submission.
func (p *Pipeline) publish(gen int64, sinks []events.EventSink, ev events.Event) {
	if p.generation.Load() != gen {
		log.Trace().Str("event_type", string(ev.Type())).Msg("dropping event from stale submission")
		return
	}
	for _, sink := range sinks {
		if err := sink.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("failed to publish event to sink")
		}
	}
}
