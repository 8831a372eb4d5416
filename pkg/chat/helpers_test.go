package chat

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/events"
	"github.com/upfree-labs/upfchat/pkg/search"
)

func testMeta() events.EventMetadata {
	return events.EventMetadata{ID: uuid.New(), ThreadID: "thread_1", RunID: "run_1"}
}

// scriptedStream replays a fixed event sequence, then io.EOF (or a scripted
// error).
type scriptedStream struct {
	events []events.Event
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (events.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

// timedStream delays every Recv by a fixed duration before yielding the next
// event, then io.EOF.
type timedStream struct {
	events []events.Event
	delay  time.Duration
}

func (s *timedStream) Recv() (events.Event, error) {
	time.Sleep(s.delay)
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *timedStream) Close() error {
	return nil
}

// blockingStream never yields an event until closed.
type blockingStream struct {
	ch   chan struct{}
	once sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{ch: make(chan struct{})}
}

func (s *blockingStream) Recv() (events.Event, error) {
	<-s.ch
	return nil, io.EOF
}

func (s *blockingStream) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

type appendedMessage struct {
	threadID string
	role     assistant.Role
	text     string
}

type toolSubmission struct {
	threadID string
	runID    string
	outputs  []assistant.ToolOutput
}

// fakeService scripts the remote assistant: StartRun and SubmitToolOutputs
// pop the next stream in order.
type fakeService struct {
	mu sync.Mutex

	threadCounter int
	appended      []appendedMessage
	submissions   []toolSubmission
	runOptions    []assistant.RunOptions
	streams       []assistant.EventStream

	remote          []assistant.ThreadMessage
	createThreadErr error
	appendErr       error
	listErr         error
	startRunHook    func()
}

var _ assistant.Service = (*fakeService)(nil)

func (f *fakeService) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createThreadErr != nil {
		return "", f.createThreadErr
	}
	f.threadCounter++
	return "thread_1", nil
}

func (f *fakeService) AppendMessage(ctx context.Context, threadID string, role assistant.Role, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, appendedMessage{threadID: threadID, role: role, text: text})
	return nil
}

func (f *fakeService) nextStream() (assistant.EventStream, error) {
	if len(f.streams) == 0 {
		return nil, errors.New("no scripted stream left")
	}
	stream := f.streams[0]
	f.streams = f.streams[1:]
	return stream, nil
}

func (f *fakeService) StartRun(ctx context.Context, threadID string, opts assistant.RunOptions) (assistant.EventStream, error) {
	if hook := f.startRunHook; hook != nil {
		f.startRunHook = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runOptions = append(f.runOptions, opts)
	return f.nextStream()
}

func (f *fakeService) SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []assistant.ToolOutput) (assistant.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, toolSubmission{threadID: threadID, runID: runID, outputs: outputs})
	return f.nextStream()
}

func (f *fakeService) ListMessages(ctx context.Context, threadID string) ([]assistant.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ret := make([]assistant.ThreadMessage, len(f.remote))
	copy(ret, f.remote)
	return ret, nil
}

type searchQuery struct {
	text  string
	limit int
}

type fakeSearcher struct {
	mu      sync.Mutex
	results []search.ProductSummary
	err     error
	queries []searchQuery
}

var _ search.Searcher = (*fakeSearcher)(nil)

func (f *fakeSearcher) Query(ctx context.Context, text string, limit int) ([]search.ProductSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, searchQuery{text: text, limit: limit})
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type capturingSink struct {
	mu     sync.Mutex
	events []events.Event
}

var _ events.EventSink = (*capturingSink)(nil)

func (s *capturingSink) PublishEvent(ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *capturingSink) Events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]events.Event, len(s.events))
	copy(ret, s.events)
	return ret
}

func (s *capturingSink) typed(eventType events.EventType) []events.Event {
	var ret []events.Event
	for _, ev := range s.Events() {
		if ev.Type() == eventType {
			ret = append(ret, ev)
		}
	}
	return ret
}
