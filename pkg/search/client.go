package search

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

const (
	// ClassName is the product catalog collection in the vector index.
	ClassName = "Products"

	// DefaultLimit bounds the result window per query.
	DefaultLimit = 10
)

// ErrNoResults signals that the index answered with zero matches. It is
// distinct from a transport failure: the caller substitutes sentinel text
// instead of surfacing a fault.
var ErrNoResults = errors.New("search: no products found")

// Searcher is the single-operation contract the tool bridge depends on.
type Searcher interface {
	Query(ctx context.Context, text string, limit int) ([]ProductSummary, error)
}

// ClientSettings holds the externally supplied connection parameters for the
// vector-search service.
type ClientSettings struct {
	Host    string
	Scheme  string
	APIKey  string
	Headers map[string]string
}

// Client issues hybrid (vector + keyword) queries against the product index.
// Ranking is entirely delegated to the service's hybrid operator.
type Client struct {
	weaviate *weaviate.Client
}

func NewClient(settings *ClientSettings) (*Client, error) {
	if settings.Host == "" {
		return nil, errors.New("search: missing weaviate host")
	}
	scheme := settings.Scheme
	if scheme == "" {
		scheme = "http"
	}

	cfg := weaviate.Config{
		Host:    settings.Host,
		Scheme:  scheme,
		Headers: settings.Headers,
	}
	if settings.APIKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: settings.APIKey}
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "search: create weaviate client")
	}

	return &Client{weaviate: client}, nil
}

var _ Searcher = (*Client)(nil)

var productFields = []graphql.Field{
	{Name: "product_name"},
	{Name: "product_description"},
	{Name: "complete_ingredienten_text"},
	{Name: "category_path"},
	{Name: "fat"},
	{Name: "fat_saturated"},
	{Name: "fat_unsaturated"},
	{Name: "carbs"},
	{Name: "sugars"},
	{Name: "fibres"},
	{Name: "kcal"},
	{Name: "protein"},
	{Name: "_additional", Fields: []graphql.Field{
		{Name: "score"},
		{Name: "explainScore"},
	}},
}

// Query runs one hybrid query and returns the ranked product summaries.
// Zero matches yield ErrNoResults; anything else that goes wrong is a
// transport-level failure and is not retried here.
func (c *Client) Query(ctx context.Context, text string, limit int) ([]ProductSummary, error) {
	query := strings.ToLower(strings.TrimSpace(text))
	if query == "" {
		return nil, ErrNoResults
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	hybrid := (&graphql.HybridArgumentBuilder{}).WithQuery(query)

	resp, err := c.weaviate.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(productFields...).
		WithHybrid(hybrid).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "search: hybrid query")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, errors.Errorf("search: hybrid query: %s", strings.Join(msgs, "; "))
	}

	summaries, err := parseProducts(resp.Data, ClassName)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, ErrNoResults
	}

	log.Debug().Str("query", query).Int("limit", limit).Int("result_count", len(summaries)).Msg("hybrid search completed")
	return summaries, nil
}
