package chat

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/events"
	"github.com/upfree-labs/upfchat/pkg/search"
)

func TestAskCompletesAndPersistsAnswer(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextCreatedEvent(meta),
			events.NewTextDeltaEvent(meta, "Maltodextrine is ", ""),
			events.NewTextDeltaEvent(meta, "een zetmeelderivaat.", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	sink := &capturingSink{}
	session := NewConversationSession(svc)
	pipeline := NewPipeline(svc, &fakeSearcher{}, session,
		WithContextInjection(false),
		WithEventSinks(sink),
	)

	answer, err := pipeline.Ask(context.Background(), "Wat is maltodextrine?")
	require.NoError(t, err)
	assert.Equal(t, "Maltodextrine is een zetmeelderivaat.", answer)

	transcript := session.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, Turn{Role: assistant.RoleUser, Text: "Wat is maltodextrine?"}, transcript[0])
	assert.Equal(t, Turn{Role: assistant.RoleAssistant, Text: "Maltodextrine is een zetmeelderivaat."}, transcript[1])

	finals := sink.typed(events.EventTypeFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, answer, finals[0].(*events.EventFinal).Text)
	assert.Len(t, sink.typed(events.EventTypeTextDelta), 2)
	assert.Empty(t, sink.typed(events.EventTypeRunFailed))
}

func TestAskToolRoundPreservesPartialAnswer(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "Even zoeken. ", ""),
			events.NewRunRequiresActionEvent(meta, "run_1", []events.ToolCall{
				{ID: "call_1", Name: ToolProductSearch, Arguments: `{"query":"maltodextrine"}`},
			}),
		}},
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "Het zit in frisdrank.", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	searcher := &fakeSearcher{results: []search.ProductSummary{{Name: "Cola", Ingredients: "water, maltodextrine"}}}
	session := NewConversationSession(svc)
	sink := &capturingSink{}
	pipeline := NewPipeline(svc, searcher, session,
		WithContextInjection(false),
		WithEventSinks(sink),
	)

	answer, err := pipeline.Ask(context.Background(), "Waar zit maltodextrine in?")
	require.NoError(t, err)
	assert.Equal(t, "Even zoeken. Het zit in frisdrank.", answer)

	require.Len(t, svc.submissions, 1)
	sub := svc.submissions[0]
	assert.Equal(t, "run_1", sub.runID)
	require.Len(t, sub.outputs, 1)
	assert.Equal(t, "call_1", sub.outputs[0].ToolCallID)
	assert.Contains(t, sub.outputs[0].Output, "Product: Cola")

	// the pre-suspension fragment survives into the persisted turn
	transcript := session.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "Even zoeken. Het zit in frisdrank.", transcript[1].Text)

	deltas := sink.typed(events.EventTypeTextDelta)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Even zoeken. Het zit in frisdrank.", deltas[1].(*events.EventTextDelta).Completion)
}

func TestAskEmptyCompletionIsNotPersisted(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	session := NewConversationSession(svc)
	sink := &capturingSink{}
	pipeline := NewPipeline(svc, &fakeSearcher{}, session,
		WithContextInjection(false),
		WithEventSinks(sink),
	)

	_, err := pipeline.Ask(context.Background(), "hallo")
	assert.ErrorIs(t, err, ErrEmptyAnswer)

	transcript := session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, assistant.RoleUser, transcript[0].Role)

	assert.Empty(t, sink.typed(events.EventTypeFinal))
	assert.Len(t, sink.typed(events.EventTypeRunFailed), 1)
}

func TestAskFailedRun(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "Mal", ""),
			events.NewRunFailedEvent(meta, "run_1", errors.New("rate limited")),
		}},
	}}
	session := NewConversationSession(svc)
	sink := &capturingSink{}
	pipeline := NewPipeline(svc, &fakeSearcher{}, session,
		WithContextInjection(false),
		WithEventSinks(sink),
	)

	_, err := pipeline.Ask(context.Background(), "hallo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	// no assistant turn for a failed run, even with partial text
	require.Len(t, session.Transcript(), 1)
	assert.Len(t, sink.typed(events.EventTypeRunFailed), 1)
	assert.Empty(t, sink.typed(events.EventTypeFinal))
}

func TestAskBoundsToolRounds(t *testing.T) {
	meta := testMeta()
	requiresAction := func() *scriptedStream {
		return &scriptedStream{events: []events.Event{
			events.NewRunRequiresActionEvent(meta, "run_1", []events.ToolCall{
				{ID: "call_1", Name: ToolProductSearch, Arguments: `{"query":"yoghurt"}`},
			}),
		}}
	}
	svc := &fakeService{streams: []assistant.EventStream{requiresAction(), requiresAction()}}
	session := NewConversationSession(svc)
	pipeline := NewPipeline(svc, &fakeSearcher{results: []search.ProductSummary{{Name: "A"}}}, session,
		WithContextInjection(false),
		WithMaxToolRounds(1),
	)

	_, err := pipeline.Ask(context.Background(), "hallo")
	assert.ErrorIs(t, err, ErrMaxToolRounds)
	assert.Len(t, svc.submissions, 1)
}

func TestAskInjectsProductContext(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "antwoord", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	searcher := &fakeSearcher{results: []search.ProductSummary{
		{Name: "Sojade Natuur", Ingredients: "sojabonen, citroensap"},
	}}
	pipeline := NewPipeline(svc, searcher, NewConversationSession(svc))

	_, err := pipeline.Ask(context.Background(), "Welke plantaardige yoghurt is ultrabewerkt?")
	require.NoError(t, err)

	require.Len(t, svc.runOptions, 1)
	instructions := svc.runOptions[0].AdditionalInstructions
	assert.Contains(t, instructions, "Welke plantaardige yoghurt is ultrabewerkt?")
	assert.Contains(t, instructions, "Sojade Natuur contains: sojabonen, citroensap")

	require.Len(t, searcher.queries, 1)
	assert.Equal(t, "Welke plantaardige yoghurt is ultrabewerkt?", searcher.queries[0].text)
}

func TestAskContextInjectionDegradesOnSearchFailure(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "antwoord", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	pipeline := NewPipeline(svc, &fakeSearcher{err: errors.New("connection refused")}, NewConversationSession(svc))

	answer, err := pipeline.Ask(context.Background(), "hallo")
	require.NoError(t, err)
	assert.Equal(t, "antwoord", answer)

	require.Len(t, svc.runOptions, 1)
	assert.Empty(t, svc.runOptions[0].AdditionalInstructions)
}

func TestAskSupersededSubmissionDoesNotTouchTranscript(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		// popped first, by the submission started from inside the hook
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "tweede antwoord", ""),
			events.NewRunCompletedEvent(meta, "run_2"),
		}},
		// then by the original, now stale, submission
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "eerste antwoord", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	session := NewConversationSession(svc)
	sink := &capturingSink{}
	pipeline := NewPipeline(svc, &fakeSearcher{}, session,
		WithContextInjection(false),
		WithEventSinks(sink),
	)

	svc.startRunHook = func() {
		answer, err := pipeline.Ask(context.Background(), "tweede vraag")
		require.NoError(t, err)
		require.Equal(t, "tweede antwoord", answer)
	}

	_, err := pipeline.Ask(context.Background(), "eerste vraag")
	assert.ErrorIs(t, err, ErrSuperseded)

	transcript := session.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, "eerste vraag", transcript[0].Text)
	assert.Equal(t, "tweede vraag", transcript[1].Text)
	assert.Equal(t, "tweede antwoord", transcript[2].Text)

	// the stale submission's deltas and final never reach the sinks
	for _, ev := range sink.typed(events.EventTypeTextDelta) {
		assert.NotContains(t, ev.(*events.EventTextDelta).Completion, "eerste antwoord")
	}
	finals := sink.typed(events.EventTypeFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "tweede antwoord", finals[0].(*events.EventFinal).Text)
}

func TestAskPublishesToContextSinks(t *testing.T) {
	meta := testMeta()
	svc := &fakeService{streams: []assistant.EventStream{
		&scriptedStream{events: []events.Event{
			events.NewTextDeltaEvent(meta, "antwoord", ""),
			events.NewRunCompletedEvent(meta, "run_1"),
		}},
	}}
	pipeline := NewPipeline(svc, &fakeSearcher{}, NewConversationSession(svc),
		WithContextInjection(false),
	)

	sink := &capturingSink{}
	ctx := events.WithEventSinks(context.Background(), sink)

	_, err := pipeline.Ask(ctx, "hallo")
	require.NoError(t, err)

	require.Len(t, sink.typed(events.EventTypeFinal), 1)
	assert.Len(t, sink.typed(events.EventTypeTextDelta), 1)
}

func TestPartialAnswerAccumulates(t *testing.T) {
	answer := &PartialAnswer{}
	assert.Equal(t, 0, answer.Len())
	answer.Append("Mal")
	answer.Append("to")
	assert.Equal(t, "Malto", answer.String())
	assert.Equal(t, 5, answer.Len())
}
