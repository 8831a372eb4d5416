package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ClientSettings configures the connection to the assistant service. The
// bearer credential and the assistant id come from environment configuration.
type ClientSettings struct {
	APIKey      string
	BaseURL     string
	AssistantID string
	HTTPClient  *http.Client
}

func (c *ClientSettings) Validate() error {
	if c.APIKey == "" {
		return errors.New("assistant: missing api key")
	}
	if c.AssistantID == "" {
		return errors.New("assistant: missing assistant id")
	}
	return nil
}

// Client implements Service against the OpenAI Assistants v2 API. Thread and
// message management go through go-openai; run streaming uses the service's
// SSE endpoints directly because go-openai has no streaming support for
// assistant runs (see DESIGN.md).
type Client struct {
	api         *go_openai.Client
	httpClient  *http.Client
	apiKey      string
	baseURL     string
	assistantID string
}

func NewClient(settings *ClientSettings) (*Client, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	cfg := go_openai.DefaultConfig(settings.APIKey)
	cfg.AssistantVersion = "v2"
	baseURL := defaultBaseURL
	if settings.BaseURL != "" {
		baseURL = strings.TrimRight(settings.BaseURL, "/")
		cfg.BaseURL = baseURL
	}

	httpClient := settings.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	cfg.HTTPClient = httpClient

	return &Client{
		api:         go_openai.NewClientWithConfig(cfg),
		httpClient:  httpClient,
		apiKey:      settings.APIKey,
		baseURL:     baseURL,
		assistantID: settings.AssistantID,
	}, nil
}

var _ Service = (*Client)(nil)

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	thread, err := c.api.CreateThread(ctx, go_openai.ThreadRequest{})
	if err != nil {
		return "", errors.Wrap(err, "create thread")
	}
	log.Debug().Str("thread_id", thread.ID).Msg("created assistant thread")
	return thread.ID, nil
}

func (c *Client) AppendMessage(ctx context.Context, threadID string, role Role, text string) error {
	_, err := c.api.CreateMessage(ctx, threadID, go_openai.MessageRequest{
		Role:    string(role),
		Content: text,
	})
	if err != nil {
		return errors.Wrapf(err, "append %s message to thread %s", role, threadID)
	}
	return nil
}

func (c *Client) StartRun(ctx context.Context, threadID string, opts RunOptions) (EventStream, error) {
	body := struct {
		go_openai.RunRequest
		Stream bool `json:"stream"`
	}{
		RunRequest: go_openai.RunRequest{
			AssistantID:            c.assistantID,
			AdditionalInstructions: opts.AdditionalInstructions,
		},
		Stream: true,
	}

	url := fmt.Sprintf("%s/threads/%s/runs", c.baseURL, threadID)
	log.Debug().Str("thread_id", threadID).Bool("with_instructions", opts.AdditionalInstructions != "").Msg("starting streamed run")
	return c.openStream(ctx, url, body, threadID)
}

func (c *Client) SubmitToolOutputs(ctx context.Context, threadID string, runID string, outputs []ToolOutput) (EventStream, error) {
	req := go_openai.SubmitToolOutputsRequest{}
	for _, o := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, go_openai.ToolOutput{
			ToolCallID: o.ToolCallID,
			Output:     o.Output,
		})
	}
	body := struct {
		go_openai.SubmitToolOutputsRequest
		Stream bool `json:"stream"`
	}{
		SubmitToolOutputsRequest: req,
		Stream:                   true,
	}

	url := fmt.Sprintf("%s/threads/%s/runs/%s/submit_tool_outputs", c.baseURL, threadID, runID)
	log.Debug().Str("thread_id", threadID).Str("run_id", runID).Int("output_count", len(outputs)).Msg("submitting tool outputs, resuming stream")
	return c.openStream(ctx, url, body, threadID)
}

func (c *Client) ListMessages(ctx context.Context, threadID string) ([]ThreadMessage, error) {
	order := "asc"
	list, err := c.api.ListMessage(ctx, threadID, nil, &order, nil, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "list messages of thread %s", threadID)
	}

	ret := make([]ThreadMessage, 0, len(list.Messages))
	for _, msg := range list.Messages {
		text := ""
		for _, content := range msg.Content {
			if content.Text != nil {
				text += content.Text.Value
			}
		}
		ret = append(ret, ThreadMessage{
			ID:   msg.ID,
			Role: Role(msg.Role),
			Text: text,
		})
	}
	return ret, nil
}

func (c *Client) openStream(ctx context.Context, url string, body interface{}, threadID string) (EventStream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal stream request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build stream request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "open event stream")
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("open event stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return newSSEStream(resp.Body, threadID), nil
}
