package assistant

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/upfree-labs/upfchat/pkg/events"
)

// sseStream decodes the server-sent event wire format of an assistant run
// into the events tagged union. Events are yielded strictly in arrival order;
// lifecycle events that carry no information for the pipeline are skipped.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	meta    events.EventMetadata
	pending []events.Event
	done    bool
}

func newSSEStream(body io.ReadCloser, threadID string) *sseStream {
	scanner := bufio.NewScanner(body)
	// message deltas can be sizeable; the default 64k token limit is kept but
	// with a larger reusable buffer
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{
		body:    body,
		scanner: scanner,
		meta: events.EventMetadata{
			ID:       uuid.New(),
			ThreadID: threadID,
		},
	}
}

var _ EventStream = (*sseStream)(nil)

func (s *sseStream) Close() error {
	return s.body.Close()
}

func (s *sseStream) Recv() (events.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		name, data, err := s.readFrame()
		if err != nil {
			return nil, err
		}
		if name == "done" || data == "[DONE]" {
			s.done = true
			continue
		}

		if err := s.decodeFrame(name, data); err != nil {
			return nil, err
		}
	}
}

// readFrame reads one SSE frame: an optional "event:" line and one or more
// "data:" lines, terminated by a blank line.
func (s *sseStream) readFrame() (string, string, error) {
	name := ""
	var data []string
	seen := false

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if seen {
				return name, strings.Join(data, "\n"), nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			seen = true
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			seen = true
		case strings.HasPrefix(line, ":"):
			// comment line, keep-alive
		}
	}

	if err := s.scanner.Err(); err != nil {
		return "", "", errors.Wrap(err, "read event stream")
	}
	if seen {
		return name, strings.Join(data, "\n"), nil
	}
	return "", "", io.EOF
}

// decodeFrame maps one wire event onto the events union, appending to the
// pending queue. Unknown lifecycle events are skipped.
func (s *sseStream) decodeFrame(name string, data string) error {
	switch name {
	case "thread.message.created":
		s.pending = append(s.pending, events.NewTextCreatedEvent(s.meta))

	case "thread.message.delta":
		var delta messageDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		for _, content := range delta.Delta.Content {
			if content.Text == nil || content.Text.Value == "" {
				continue
			}
			s.pending = append(s.pending, events.NewTextDeltaEvent(s.meta, content.Text.Value, ""))
		}

	case "thread.run.step.created":
		var step runStep
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		if step.StepDetails.Type == "tool_calls" {
			s.pending = append(s.pending, events.NewToolCallCreatedEvent(s.meta, step.StepDetails.Type))
		}

	case "thread.run.step.delta":
		var delta runStepDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		for _, tc := range delta.Delta.StepDetails.ToolCalls {
			if tc.Function.Arguments == "" && tc.Function.Output == "" {
				continue
			}
			s.pending = append(s.pending, events.NewToolCallDeltaEvent(s.meta, tc.ID, tc.Function.Arguments, tc.Function.Output))
		}

	case "thread.run.created", "thread.run.queued", "thread.run.in_progress":
		var run go_openai.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		s.meta.RunID = run.ID

	case "thread.run.requires_action":
		var run go_openai.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: run %s carries no pending tool calls", name, run.ID)
		}
		s.meta.RunID = run.ID
		var calls []events.ToolCall
		for _, tc := range run.RequiredAction.SubmitToolOutputs.ToolCalls {
			calls = append(calls, events.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		s.pending = append(s.pending, events.NewRunRequiresActionEvent(s.meta, run.ID, calls))

	case "thread.run.completed":
		var run go_openai.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		s.meta.RunID = run.ID
		s.pending = append(s.pending, events.NewRunCompletedEvent(s.meta, run.ID))

	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
		var run go_openai.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return errors.Wrapf(ErrMalformedEvent, "%s: %s", name, err.Error())
		}
		s.meta.RunID = run.ID
		msg := strings.TrimPrefix(name, "thread.run.")
		if run.LastError != nil && run.LastError.Message != "" {
			msg = run.LastError.Message
		}
		s.pending = append(s.pending, events.NewRunFailedEvent(s.meta, run.ID, errors.New(msg)))

	case "error":
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = data
		}
		s.pending = append(s.pending, events.NewRunFailedEvent(s.meta, s.meta.RunID, errors.New(apiErr.Message)))

	default:
		log.Trace().Str("event", name).Msg("skipping stream event")
	}

	return nil
}

type messageDelta struct {
	ID    string `json:"id"`
	Delta struct {
		Content []struct {
			Index int    `json:"index"`
			Type  string `json:"type"`
			Text  *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type runStep struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	StepDetails struct {
		Type      string         `json:"type"`
		ToolCalls []stepToolCall `json:"tool_calls"`
	} `json:"step_details"`
}

type runStepDelta struct {
	ID    string `json:"id"`
	Delta struct {
		StepDetails struct {
			Type      string         `json:"type"`
			ToolCalls []stepToolCall `json:"tool_calls"`
		} `json:"step_details"`
	} `json:"delta"`
}

type stepToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Output    string `json:"output"`
	} `json:"function"`
}
