package nodes

import (
	"github.com/cloudwego/eino/schema"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// Node keys for the conversation graph.
const (
	NodeRetrieve            = "retrieve"
	NodeClassifierAssembler = "classifier_assembler"
	NodeClassifierModel     = "classifier_model"
	NodeRelevanceParser     = "relevance_parser"
	NodeRedirectAssembler   = "redirect_assembler"
	NodeRedirectModel       = "redirect_model"
	NodeAnswerAssembler     = "answer_assembler"
	NodeAnswerModel         = "answer_model"
	NodeReviewAssembler     = "review_assembler"
	NodeReviewerModel       = "reviewer_model"
	NodeReviewParser        = "review_parser"
	NodeRegenerate          = "regenerate"
	NodeFinalize            = "finalize"
)

const DefaultMaxRetries = 3

// ===== Small helpers to keep handlers simple/readable =====

// normalizeMaxRetries returns a sane default when the provided value is invalid.
func normalizeMaxRetries(n int) int {
	if n < 0 {
		return DefaultMaxRetries
	}
	return n
}

// recordUsageCost computes and logs usage cost for one model invocation,
// accumulating the running total into state and exposing it via message Extra.
func recordUsageCost(state *model.TurnState, out *schema.Message, modelName, nodeKey string) {
	if out == nil || out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	pricing := model.ResolvePricing(modelName)
	inC, outC, totalC := model.ComputeCost(out.ResponseMeta.Usage, pricing)
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     out.ResponseMeta.Usage.PromptTokens,
		"completion_tokens": out.ResponseMeta.Usage.CompletionTokens,
		"total_tokens":      out.ResponseMeta.Usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Str("conversation_id", state.ConversationID).
		Str("node", nodeKey).
		Str("model", modelName).
		Int("prompt_tokens", out.ResponseMeta.Usage.PromptTokens).
		Int("completion_tokens", out.ResponseMeta.Usage.CompletionTokens).
		Int("total_tokens", out.ResponseMeta.Usage.TotalTokens).
		Float64("input_cost_usd", inC).
		Float64("output_cost_usd", outC).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")

	state.TotalCostUSD += totalC
	out.Extra[model.ExtraTotalCostUSD] = state.TotalCostUSD
}
