package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/upfree-labs/upfchat/pkg/assistant"
	"github.com/upfree-labs/upfchat/pkg/events"
	"github.com/upfree-labs/upfchat/pkg/search"
)

// ToolProductSearch is the single tool the assistant is configured with
// server-side.
const ToolProductSearch = "product_search"

// fallbackNoProducts is substituted for empty results and for search
// transport failures, so the run always resumes instead of propagating a raw
// fault into the generation loop.
const fallbackNoProducts = "no products found"

type searchArguments struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// ToolInvocationBridge resolves a suspended run: it executes every pending
// tool call, then resumes the run by submitting the complete batch of
// outputs in one request. Every ToolCall gets exactly one ToolOutput, whatever
// goes wrong, so the server-side run is never left permanently blocked.
type ToolInvocationBridge struct {
	svc      assistant.Service
	searcher search.Searcher
	limit    int
}

func NewToolInvocationBridge(svc assistant.Service, searcher search.Searcher, limit int) *ToolInvocationBridge {
	if limit <= 0 {
		limit = search.DefaultLimit
	}
	return &ToolInvocationBridge{
		svc:      svc,
		searcher: searcher,
		limit:    limit,
	}
}

// Resolve executes the pending tool calls and returns the resumed stream.
// The caller attaches a fresh StreamEventRouter to it, sharing the same
// PartialAnswer. Independent searches run concurrently; the resume still
// waits for the full batch.
func (b *ToolInvocationBridge) Resolve(ctx context.Context, threadID string, runID string, pending []events.ToolCall) (assistant.EventStream, error) {
	log.Debug().Str("run_id", runID).Int("pending_count", len(pending)).Msg("resolving tool calls")

	outputs := make([]assistant.ToolOutput, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range pending {
		i, call := i, call
		g.Go(func() error {
			outputs[i] = assistant.ToolOutput{
				ToolCallID: call.ID,
				Output:     b.execute(gctx, call),
			}
			return nil
		})
	}
	// execute never returns an error; failures become error-bearing outputs
	_ = g.Wait()

	return b.svc.SubmitToolOutputs(ctx, threadID, runID, outputs)
}

func (b *ToolInvocationBridge) execute(ctx context.Context, call events.ToolCall) string {
	if call.Name != ToolProductSearch {
		log.Warn().Str("tool", call.Name).Str("tool_call_id", call.ID).Msg("unsupported tool requested")
		return fmt.Sprintf("tool not implemented: %s", call.Name)
	}

	var args searchArguments
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		log.Warn().Err(err).Str("tool_call_id", call.ID).Msg("could not parse tool arguments")
		return fmt.Sprintf("could not parse tool arguments: %s", err.Error())
	}

	limit := args.Limit
	if limit <= 0 || limit > b.limit {
		limit = b.limit
	}

	summaries, err := b.searcher.Query(ctx, args.Query, limit)
	if err != nil {
		// empty result and transport failure both degrade to the sentinel;
		// the distinction only matters for logging
		if errors.Is(err, search.ErrNoResults) {
			log.Debug().Str("query", args.Query).Msg("product search found nothing")
		} else {
			log.Warn().Err(err).Str("query", args.Query).Msg("product search failed")
		}
		return fallbackNoProducts
	}

	log.Debug().Str("query", args.Query).Int("result_count", len(summaries)).Msg("product search resolved")
	return search.RenderAll(summaries)
}
