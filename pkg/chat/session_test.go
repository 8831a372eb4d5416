package chat

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upfree-labs/upfchat/pkg/assistant"
)

func TestSessionStartIsIdempotent(t *testing.T) {
	svc := &fakeService{}
	session := NewConversationSession(svc)

	first, err := session.Start(context.Background())
	require.NoError(t, err)
	second, err := session.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, svc.threadCounter)
}

func TestSessionStartPropagatesFailure(t *testing.T) {
	svc := &fakeService{createThreadErr: errors.New("service unavailable")}
	session := NewConversationSession(svc)

	_, err := session.Start(context.Background())
	assert.Error(t, err)

	// a later attempt may still succeed
	svc.createThreadErr = nil
	threadID, err := session.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "thread_1", threadID)
}

func TestSessionGreetingIsLocalOnly(t *testing.T) {
	svc := &fakeService{}
	session := NewConversationSession(svc, WithGreeting("Goedendag!"))

	transcript := session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, assistant.RoleAssistant, transcript[0].Role)
	assert.Equal(t, "Goedendag!", transcript[0].Text)
	assert.Empty(t, svc.appended)
}

func TestSessionUserTurnRequiresStart(t *testing.T) {
	session := NewConversationSession(&fakeService{})
	assert.Error(t, session.SubmitUserTurn(context.Background(), "hallo"))
}

func TestSessionUserTurnRemoteFailureKeepsTranscriptClean(t *testing.T) {
	svc := &fakeService{appendErr: errors.New("service unavailable")}
	session := NewConversationSession(svc)
	_, err := session.Start(context.Background())
	require.NoError(t, err)

	err = session.SubmitUserTurn(context.Background(), "hallo")
	assert.Error(t, err)
	assert.Empty(t, session.Transcript())
}

func TestSessionUserTurnAppendsRemoteThenLocal(t *testing.T) {
	svc := &fakeService{}
	session := NewConversationSession(svc)
	_, err := session.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, session.SubmitUserTurn(context.Background(), "Wat is maltodextrine?"))

	require.Len(t, svc.appended, 1)
	assert.Equal(t, assistant.RoleUser, svc.appended[0].role)
	assert.Equal(t, "thread_1", svc.appended[0].threadID)

	transcript := session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, Turn{Role: assistant.RoleUser, Text: "Wat is maltodextrine?"}, transcript[0])
}

func TestSessionAssistantTurnRejectsEmpty(t *testing.T) {
	session := NewConversationSession(&fakeService{})
	_, err := session.Start(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, session.SubmitAssistantTurn(context.Background(), ""), ErrEmptyAnswer)
	assert.Empty(t, session.Transcript())
}

func TestSessionAssistantTurnSurvivesRemoteMirrorFailure(t *testing.T) {
	svc := &fakeService{}
	session := NewConversationSession(svc)
	_, err := session.Start(context.Background())
	require.NoError(t, err)

	svc.appendErr = errors.New("service unavailable")
	require.NoError(t, session.SubmitAssistantTurn(context.Background(), "Maltodextrine is een zetmeelderivaat."))

	transcript := session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, assistant.RoleAssistant, transcript[0].Role)
}

func TestSessionTranscriptReturnsCopy(t *testing.T) {
	session := NewConversationSession(&fakeService{}, WithGreeting("Goedendag!"))

	transcript := session.Transcript()
	transcript[0].Text = "mutated"

	assert.Equal(t, "Goedendag!", session.Transcript()[0].Text)
}

func TestSessionResyncRebuildsFromRemoteThread(t *testing.T) {
	svc := &fakeService{remote: []assistant.ThreadMessage{
		{ID: "msg_1", Role: assistant.RoleUser, Text: "Wat is maltodextrine?"},
		{ID: "msg_2", Role: assistant.RoleAssistant, Text: "Een zetmeelderivaat."},
	}}
	session := NewConversationSession(svc, WithGreeting("Goedendag!"))
	_, err := session.Start(context.Background())
	require.NoError(t, err)

	// drift: a local turn the thread never saw
	require.NoError(t, session.SubmitUserTurn(context.Background(), "verdwaalde vraag"))

	turns, err := session.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: assistant.RoleAssistant, Text: "Goedendag!"}, turns[0])
	assert.Equal(t, Turn{Role: assistant.RoleUser, Text: "Wat is maltodextrine?"}, turns[1])
	assert.Equal(t, Turn{Role: assistant.RoleAssistant, Text: "Een zetmeelderivaat."}, turns[2])
	assert.Equal(t, turns, session.Transcript())
}

func TestSessionResyncWithoutThreadKeepsCache(t *testing.T) {
	svc := &fakeService{remote: []assistant.ThreadMessage{
		{ID: "msg_1", Role: assistant.RoleUser, Text: "spook"},
	}}
	session := NewConversationSession(svc, WithGreeting("Goedendag!"))

	turns, err := session.Resync(context.Background())
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "Goedendag!", turns[0].Text)
}

func TestSessionResyncFailureLeavesCacheUntouched(t *testing.T) {
	svc := &fakeService{listErr: errors.New("service unavailable")}
	session := NewConversationSession(svc, WithGreeting("Goedendag!"))
	_, err := session.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.SubmitUserTurn(context.Background(), "hallo"))

	_, err = session.Resync(context.Background())
	assert.Error(t, err)
	assert.Len(t, session.Transcript(), 2)
}

func TestSessionIDsAreUnique(t *testing.T) {
	a := NewConversationSession(&fakeService{})
	b := NewConversationSession(&fakeService{})
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
