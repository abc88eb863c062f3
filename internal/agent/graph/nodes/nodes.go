package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/conversations"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/parsers"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/prompts"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// NewRetrievePreHandler resets all scratch fields at the start of a turn.
// Re-invoking with the same conversation id always begins a fresh RETRIEVE.
func NewRetrievePreHandler() func(context.Context, model.QueryInput, *model.TurnState) (model.QueryInput, error) {
	return func(ctx context.Context, in model.QueryInput, s *model.TurnState) (model.QueryInput, error) {
		s.ConversationID = in.ConversationID
		s.Question = in.Query
		s.Context = ""
		s.History = nil
		s.Candidate = nil
		s.Feedback = ""
		s.RetryCount = 0
		s.OutOfDomain = false
		s.ForcedAccept = false
		s.UserTurnSaved = false
		s.TotalCostUSD = 0
		return in, nil
	}
}

// NewRetrieveNode creates the retrieve node: it loads prior conversation
// history into state and queries the knowledge index for the top-K passages.
func NewRetrieveNode(
	mm *conversations.MessagesManager,
	retriever model.KnowledgeRetriever,
	topK int,
) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.QueryInput) (string, error) {
		history, err := mm.LoadHistory(ctx, input.ConversationID)
		if err != nil {
			return "", fmt.Errorf("load conversation history: %w", err)
		}
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.History = history
			return nil
		}); err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		passages, err := retriever.Retrieve(ctx, input.Query, topK)
		if err != nil {
			return "", fmt.Errorf("retrieve knowledge: %w", err)
		}
		logx.Debug().
			Str("conversation_id", input.ConversationID).
			Int("passages", len(passages)).
			Msg("Knowledge retrieved")

		return conversations.JoinPassages(passages), nil
	})
}

// NewRetrievePostHandler stores the joined context into state.
func NewRetrievePostHandler() func(context.Context, string, *model.TurnState) (string, error) {
	return func(ctx context.Context, out string, state *model.TurnState) (string, error) {
		state.Context = out
		return out, nil
	}
}

// NewClassifierAssemblerNode builds the relevance-classifier prompt for the
// current question. It runs once per turn; regenerations re-enter the graph at
// the answer assembler.
func NewClassifierAssemblerNode(promptCfg *model.PromptConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ string) ([]*schema.Message, error) {
		var question string
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			question = state.Question
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderClassifierSystem(ctx, *promptCfg)
		if err != nil {
			return nil, fmt.Errorf("render classifier prompt: %w", err)
		}

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(question),
		}, nil
	})
}

// NewClassifierPostHandler records usage cost for the classifier model.
func NewClassifierPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(state, out, modelName, NodeClassifierModel)
		return out, nil
	}
}

// NewRelevanceParserNode parses the classifier verdict. Parsing never fails;
// malformed output fails open to relevant.
func NewRelevanceParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.RelevanceVerdict, error) {
		verdict := parsers.ParseRelevanceVerdict(resp.Content)
		logx.Debug().
			Bool("is_relevant", verdict.Relevant).
			Str("reason", verdict.Reason).
			Msg("Relevance verdict")
		return verdict, nil
	})
}

// NewRelevanceCondition routes out-of-domain questions to the redirect leg and
// everything else to the main generation pipeline.
func NewRelevanceCondition() func(context.Context, model.RelevanceVerdict) (string, error) {
	return func(ctx context.Context, verdict model.RelevanceVerdict) (string, error) {
		if !verdict.Relevant {
			logx.Debug().Str("reason", verdict.Reason).Msg("Routing to out-of-domain redirect")
			return NodeRedirectAssembler, nil
		}
		return NodeAnswerAssembler, nil
	}
}

// NewRedirectAssemblerNode builds the dedicated redirect instruction. The
// customer's message is passed as the user turn so the reply lands in their
// language.
func NewRedirectAssemblerNode(promptCfg *model.PromptConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.RelevanceVerdict) ([]*schema.Message, error) {
		var question string
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			question = state.Question
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderRedirectSystem(ctx, *promptCfg)
		if err != nil {
			return nil, fmt.Errorf("render redirect prompt: %w", err)
		}

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(question),
		}, nil
	})
}

// NewRedirectPostHandler finishes the out-of-domain short-circuit: persist the
// user turn and the redirect text, mark the state terminal, and annotate the
// outgoing message for the runner. Validation is never invoked on this path.
func NewRedirectPostHandler(
	mm *conversations.MessagesManager,
	modelName string,
) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(state, out, modelName, NodeRedirectModel)

		if err := mm.SaveUserTurn(ctx, state.ConversationID, state.Question); err != nil {
			return nil, fmt.Errorf("save user turn: %w", err)
		}
		if err := mm.SaveResponse(ctx, state.ConversationID, out.Content); err != nil {
			return nil, fmt.Errorf("save redirect response: %w", err)
		}

		state.History = append(state.History,
			schema.UserMessage(state.Question),
			schema.AssistantMessage(out.Content, nil),
		)
		state.OutOfDomain = true
		state.RetryCount = 0
		state.Feedback = ""

		if out.Extra == nil {
			out.Extra = map[string]any{}
		}
		out.Extra[model.ExtraOutOfDomain] = true
		out.Extra[model.ExtraValidated] = false
		out.Extra[model.ExtraRetryCount] = 0
		out.Extra[model.ExtraTotalCostUSD] = state.TotalCostUSD

		logx.Debug().
			Str("conversation_id", state.ConversationID).
			Msg("Out-of-domain turn completed")
		return out, nil
	}
}

// NewAnswerAssemblerNode builds the grounded-answer prompt: fixed instruction
// plus retrieved context, full prior history as conversation turns, and the
// question as the final user message. On regenerations the pending feedback is
// appended to the instruction as a correction directive.
func NewAnswerAssemblerNode(promptCfg *model.PromptConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ model.RelevanceVerdict) ([]*schema.Message, error) {
		var (
			contextText string
			question    string
			feedback    string
			history     []*schema.Message
		)
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			contextText = state.Context
			question = state.Question
			feedback = state.Feedback
			history = state.History
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderAnswerSystem(ctx, *promptCfg, contextText, question, feedback)
		if err != nil {
			return nil, fmt.Errorf("render answer prompt: %w", err)
		}

		messages := make([]*schema.Message, 0, len(history)+2)
		messages = append(messages, schema.SystemMessage(systemPrompt))
		messages = append(messages, history...)
		messages = append(messages, schema.UserMessage(question))
		return messages, nil
	})
}

// NewAnswerModelPostHandler performs the turn bookkeeping around a generation:
// on the first attempt it persists the user turn; on a regeneration it
// replaces the candidate, increments the retry count, and clears the feedback
// that drove it (the reviewer will set it again if the answer is still wrong).
func NewAnswerModelPostHandler(
	mm *conversations.MessagesManager,
	modelName string,
) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(state, out, modelName, NodeAnswerModel)

		regenerating := state.Feedback != ""
		if regenerating {
			state.RetryCount++
			state.Feedback = ""
			logx.Debug().
				Str("conversation_id", state.ConversationID).
				Int("retry_count", state.RetryCount).
				Msg("Regenerated candidate answer")
		} else if !state.UserTurnSaved {
			if err := mm.SaveUserTurn(ctx, state.ConversationID, state.Question); err != nil {
				return nil, fmt.Errorf("save user turn: %w", err)
			}
			state.UserTurnSaved = true
		}

		state.Candidate = out
		return out, nil
	}
}

// NewReviewAssemblerNode builds the validator prompt from the evidence triple:
// retrieved context, question, and the candidate answer.
func NewReviewAssemblerNode(promptCfg *model.PromptConfig) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, candidate *schema.Message) ([]*schema.Message, error) {
		var contextText, question string
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			contextText = state.Context
			question = state.Question
			return nil
		}); err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		systemPrompt, err := prompts.RenderReviewSystem(ctx, *promptCfg)
		if err != nil {
			return nil, fmt.Errorf("render review prompt: %w", err)
		}

		return []*schema.Message{
			schema.SystemMessage(systemPrompt),
			schema.UserMessage(prompts.BuildReviewInput(contextText, question, candidate.Content)),
		}, nil
	})
}

// NewReviewerPostHandler records usage cost for the reviewer model.
func NewReviewerPostHandler(modelName string) func(context.Context, *schema.Message, *model.TurnState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.TurnState) (*schema.Message, error) {
		recordUsageCost(state, out, modelName, NodeReviewerModel)
		return out, nil
	}
}

// NewReviewParserNode parses the validator verdict with the two-stage
// fallback. It never errors; unusable output degrades to needs-feedback.
func NewReviewParserNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, resp *schema.Message) (model.ReviewVerdict, error) {
		verdict := parsers.ParseReviewVerdict(resp.Content)
		logx.Debug().
			Bool("is_correct", verdict.Correct).
			Str("feedback", verdict.Feedback).
			Msg("Review verdict")
		return verdict, nil
	})
}

// NewReviewCondition decides between accepting the candidate and regenerating.
// Once the retry budget is spent the candidate is accepted unconditionally.
func NewReviewCondition(maxRetries int) func(context.Context, model.ReviewVerdict) (string, error) {
	maxRetries = normalizeMaxRetries(maxRetries)
	return func(ctx context.Context, verdict model.ReviewVerdict) (string, error) {
		if verdict.Correct {
			return NodeFinalize, nil
		}

		var retryCount int
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			retryCount = state.RetryCount
			return nil
		}); err != nil {
			return "", fmt.Errorf("failed to access state: %w", err)
		}

		if retryCount >= maxRetries {
			logx.Warn().
				Int("retry_count", retryCount).
				Int("max_retries", maxRetries).
				Msg("Regeneration budget exhausted, accepting last candidate")
			return NodeFinalize, nil
		}

		logx.Debug().
			Int("retry_count", retryCount).
			Str("feedback", verdict.Feedback).
			Msg("Answer rejected, regenerating")
		return NodeRegenerate, nil
	}
}

// NewRegenerateNode routes a rejected candidate back to generation with the
// corrective feedback populated. No other state transformation happens here.
func NewRegenerateNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, verdict model.ReviewVerdict) (model.RelevanceVerdict, error) {
		feedback := verdict.Feedback
		if feedback == "" {
			feedback = parsers.DefaultFeedback
		}
		if err := compose.ProcessState(ctx, func(_ context.Context, state *model.TurnState) error {
			state.Feedback = feedback
			return nil
		}); err != nil {
			return model.RelevanceVerdict{}, fmt.Errorf("failed to access state: %w", err)
		}
		return model.RelevanceVerdict{Relevant: true, Reason: "regeneration"}, nil
	})
}

// NewFinalizeNode accepts the current candidate: it persists the assistant
// text, appends the completed turn to the in-state history, and annotates the
// outgoing message with the turn outcome for the runner.
func NewFinalizeNode(mm *conversations.MessagesManager) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, verdict model.ReviewVerdict) (*schema.Message, error) {
		var out *schema.Message
		err := compose.ProcessState(ctx, func(sctx context.Context, state *model.TurnState) error {
			if state.Candidate == nil {
				return fmt.Errorf("missing candidate answer in state")
			}
			if err := mm.SaveResponse(sctx, state.ConversationID, state.Candidate.Content); err != nil {
				return fmt.Errorf("save assistant response: %w", err)
			}

			// The reviewer only routes an incorrect verdict here when the
			// budget is spent.
			state.ForcedAccept = !verdict.Correct
			state.Feedback = ""
			state.History = append(state.History,
				schema.UserMessage(state.Question),
				schema.AssistantMessage(state.Candidate.Content, nil),
			)

			out = schema.AssistantMessage(state.Candidate.Content, nil)
			out.Extra = map[string]any{
				model.ExtraRetryCount:   state.RetryCount,
				model.ExtraValidated:    verdict.Correct,
				model.ExtraOutOfDomain:  false,
				model.ExtraTotalCostUSD: state.TotalCostUSD,
			}

			logx.Debug().
				Str("conversation_id", state.ConversationID).
				Int("retry_count", state.RetryCount).
				Bool("validated", verdict.Correct).
				Msg("Turn completed")
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}
