package settings

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/search"
)

// Settings collects every externally supplied parameter: the assistant
// service credential and assistant id, the vector-search connection, and the
// pipeline knobs.
type Settings struct {
	OpenAIAPIKey  string        `mapstructure:"openai-api-key"`
	OpenAIBaseURL string        `mapstructure:"openai-base-url"`
	AssistantID   string        `mapstructure:"assistant-id"`
	WeaviateURL   string        `mapstructure:"weaviate-url"`
	WeaviateKey   string        `mapstructure:"weaviate-api-key"`
	SearchLimit   int           `mapstructure:"search-limit"`
	IdleTimeout   time.Duration `mapstructure:"idle-timeout"`
	MaxToolRounds int           `mapstructure:"max-tool-rounds"`
	InjectContext bool          `mapstructure:"inject-context"`
}

// Load reads settings from the environment.
func Load() (*Settings, error) {
	v := viper.New()

	v.SetDefault("weaviate-url", "http://localhost:8080")
	v.SetDefault("search-limit", search.DefaultLimit)
	v.SetDefault("idle-timeout", 60*time.Second)
	v.SetDefault("max-tool-rounds", 5)
	v.SetDefault("inject-context", true)

	// keys without a meaningful default still need to be registered, or
	// Unmarshal will not see their env-bound values
	v.SetDefault("openai-api-key", "")
	v.SetDefault("openai-base-url", "")
	v.SetDefault("assistant-id", "")
	v.SetDefault("weaviate-api-key", "")

	for key, env := range map[string]string{
		"openai-api-key":   "OPENAI_API_KEY",
		"openai-base-url":  "OPENAI_BASE_URL",
		"assistant-id":     "UPF_ASSISTANT_ID",
		"weaviate-url":     "WEAVIATE_URL",
		"weaviate-api-key": "WEAVIATE_API_KEY",
		"search-limit":     "UPF_SEARCH_LIMIT",
		"idle-timeout":     "UPF_IDLE_TIMEOUT",
		"max-tool-rounds":  "UPF_MAX_TOOL_ROUNDS",
		"inject-context":   "UPF_INJECT_CONTEXT",
	} {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "bind %s", env)
		}
	}

	ret := &Settings{}
	if err := v.Unmarshal(ret); err != nil {
		return nil, errors.Wrap(err, "unmarshal settings")
	}
	return ret, nil
}

func (s *Settings) Validate() error {
	if s.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	if s.AssistantID == "" {
		return errors.New("UPF_ASSISTANT_ID is required")
	}
	if _, _, err := splitURL(s.WeaviateURL); err != nil {
		return err
	}
	return nil
}

func (s *Settings) AssistantClientSettings() *assistant.ClientSettings {
	return &assistant.ClientSettings{
		APIKey:      s.OpenAIAPIKey,
		BaseURL:     s.OpenAIBaseURL,
		AssistantID: s.AssistantID,
	}
}

func (s *Settings) SearchClientSettings() (*search.ClientSettings, error) {
	scheme, host, err := splitURL(s.WeaviateURL)
	if err != nil {
		return nil, err
	}
	return &search.ClientSettings{
		Host:    host,
		Scheme:  scheme,
		APIKey:  s.WeaviateKey,
		Headers: map[string]string{},
	}, nil
}

// splitURL turns a WEAVIATE_URL like http://localhost:8080 into the scheme
// and host the client config wants. A bare host defaults to http.
func splitURL(raw string) (string, string, error) {
	if raw == "" {
		return "", "", errors.New("WEAVIATE_URL is required")
	}
	if !strings.Contains(raw, "://") {
		return "http", raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", errors.Wrapf(err, "parse WEAVIATE_URL %q", raw)
	}
	if u.Host == "" {
		return "", "", errors.Errorf("WEAVIATE_URL %q has no host", raw)
	}
	return u.Scheme, u.Host, nil
}
