package chat

import (
	"context"
	"sync"

	"github.com/lithammer/shortuuid/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/upfree-labs/upfchat/pkg/assistant"
)

// Turn is one entry of the conversation transcript.
type Turn struct {
	Role assistant.Role
	Text string
}

// ConversationSession binds one local chat session to a remote conversation
// thread. The local transcript is a display cache; the remote thread is
// authoritative for continuation. Turns are append-only.
type ConversationSession struct {
	id       string
	svc      assistant.Service
	greeting string

	mu         sync.Mutex
	threadID   string
	transcript []Turn
}

type SessionOption func(*ConversationSession)

// WithGreeting seeds a local-only assistant turn shown before the first user
// submission. It is never appended to the remote thread and survives a
// Resync.
func WithGreeting(text string) SessionOption {
	return func(s *ConversationSession) {
		s.greeting = text
		s.transcript = append(s.transcript, Turn{Role: assistant.RoleAssistant, Text: text})
	}
}

func NewConversationSession(svc assistant.Service, options ...SessionOption) *ConversationSession {
	ret := &ConversationSession{
		id:  shortuuid.New(),
		svc: svc,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (s *ConversationSession) ID() string {
	return s.id
}

// Start binds the session to a remote thread, creating one on first use.
// Idempotent: later calls return the same thread id.
func (s *ConversationSession) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.threadID != "" {
		return s.threadID, nil
	}

	threadID, err := s.svc.CreateThread(ctx)
	if err != nil {
		return "", errors.Wrap(err, "start session")
	}
	s.threadID = threadID
	log.Debug().Str("session_id", s.id).Str("thread_id", threadID).Msg("session bound to thread")
	return threadID, nil
}

// SubmitUserTurn appends the user's text to the remote thread and the local
// transcript. The remote append must succeed: the run about to start reads
// the message from the thread.
func (s *ConversationSession) SubmitUserTurn(ctx context.Context, text string) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()
	if threadID == "" {
		return errors.New("session not started")
	}

	if err := s.svc.AppendMessage(ctx, threadID, assistant.RoleUser, text); err != nil {
		return err
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, Turn{Role: assistant.RoleUser, Text: text})
	s.mu.Unlock()
	return nil
}

// SubmitAssistantTurn records a finalized answer. Only called once the
// pipeline reached Completed with non-empty text. The remote mirror is
// fire-and-forget: a failure is logged, the local transcript still gains the
// turn.
func (s *ConversationSession) SubmitAssistantTurn(ctx context.Context, text string) error {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()
	if threadID == "" {
		return errors.New("session not started")
	}
	if text == "" {
		return ErrEmptyAnswer
	}

	s.mu.Lock()
	s.transcript = append(s.transcript, Turn{Role: assistant.RoleAssistant, Text: text})
	s.mu.Unlock()

	if err := s.svc.AppendMessage(ctx, threadID, assistant.RoleAssistant, text); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to mirror assistant turn to remote thread")
	}
	return nil
}

// Resync rebuilds the transcript cache from the remote thread, which is
// authoritative. The local-only greeting stays at the head. Without a bound
// thread there is nothing to fetch and the cache is returned as is.
func (s *ConversationSession) Resync(ctx context.Context) ([]Turn, error) {
	s.mu.Lock()
	threadID := s.threadID
	s.mu.Unlock()
	if threadID == "" {
		return s.Transcript(), nil
	}

	messages, err := s.svc.ListMessages(ctx, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "resync transcript from thread %s", threadID)
	}

	turns := make([]Turn, 0, len(messages)+1)
	if s.greeting != "" {
		turns = append(turns, Turn{Role: assistant.RoleAssistant, Text: s.greeting})
	}
	for _, msg := range messages {
		turns = append(turns, Turn{Role: msg.Role, Text: msg.Text})
	}

	s.mu.Lock()
	s.transcript = turns
	s.mu.Unlock()
	log.Debug().Str("thread_id", threadID).Int("turn_count", len(turns)).Msg("transcript resynced from thread")
	return s.Transcript(), nil
}

// Transcript returns a copy of the ordered turns.
func (s *ConversationSession) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Turn, len(s.transcript))
	copy(ret, s.transcript)
	return ret
}
