// Package graph composes the conversation orchestration graph: a bounded
// retrieve, generate, validate, regenerate loop over Eino compose with
// per-conversation history persisted through the conversation repository.
package graph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/conversations"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/nodes"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/observers"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// Runner executes one complete turn for a conversation: load state, run the
// loop to completion, persist, and return the accepted answer. Calls with the
// same conversation id are serialized; distinct ids run concurrently.
type Runner interface {
	Invoke(ctx context.Context, in model.QueryInput) (model.TurnResult, error)
}

// Config holds everything needed to compose the full response graph end-to-end.
// This is a convenience layer over GraphConfig that also constructs ChatModels
// and the MessagesManager.
type Config struct {
	APIKey           string
	BaseURL          string
	Classifier       model.ClassifierModelConfig
	Answer           model.AnswerModelConfig
	Reviewer         model.ReviewerModelConfig
	Prompt           model.PromptConfig
	Conversation     model.ConversationConfig
	ConversationRepo model.ConversationRepository
	Retriever        model.KnowledgeRetriever
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	ChatModels      *nodes.ChatModels
	MessagesManager *conversations.MessagesManager
	Retriever       model.KnowledgeRetriever
	PromptConfig    *model.PromptConfig
	MaxRetries      int
	TopK            int
}

// GraphBuilder handles the construction of the conversation graph
type GraphBuilder struct {
	config *GraphConfig
	graph  *compose.Graph[model.QueryInput, *schema.Message]
}

type graphRunner struct {
	runnable compose.Runnable[model.QueryInput, *schema.Message]
	locks    keyedMutex
}

func (r *graphRunner) Invoke(ctx context.Context, in model.QueryInput) (model.TurnResult, error) {
	// Serialize turns per conversation id so two concurrent callers cannot
	// interleave the read-modify-write on the persisted history.
	unlock := r.locks.lock(in.ConversationID)
	defer unlock()

	started := time.Now()
	out, err := r.runnable.Invoke(ctx, model.QueryInput{
		ConversationID: in.ConversationID,
		Query:          in.Query,
	}, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return model.TurnResult{}, err
	}
	if out == nil {
		return model.TurnResult{}, fmt.Errorf("graph returned no message")
	}

	result := turnResultFromMessage(out)
	logx.Info().
		Str("conversation_id", in.ConversationID).
		Int("retry_count", result.RetryCount).
		Bool("validated", result.Validated).
		Bool("out_of_domain", result.OutOfDomain).
		Dur("elapsed", time.Since(started)).
		Float64("total_cost_usd", result.TotalCostUSD).
		Msg("Turn finished")
	return result, nil
}

// turnResultFromMessage rebuilds the turn outcome from the Extra annotations
// the terminal nodes attach.
func turnResultFromMessage(out *schema.Message) model.TurnResult {
	result := model.TurnResult{Answer: out.Content}
	if v, ok := out.Extra[model.ExtraRetryCount].(int); ok {
		result.RetryCount = v
	}
	if v, ok := out.Extra[model.ExtraValidated].(bool); ok {
		result.Validated = v
	}
	if v, ok := out.Extra[model.ExtraOutOfDomain].(bool); ok {
		result.OutOfDomain = v
	}
	if v, ok := out.Extra[model.ExtraTotalCostUSD].(float64); ok {
		result.TotalCostUSD = v
	}
	return result
}

// BuildResponseGraph composes ChatModels and the MessagesManager, builds the
// graph, and returns a Runner.
func BuildResponseGraph(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.ConversationRepo == nil {
		return nil, fmt.Errorf("conversation repo is nil")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("retriever is nil")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		ClassifierConfig: &cfg.Classifier,
		AnswerConfig:     &cfg.Answer,
		ReviewerConfig:   &cfg.Reviewer,
	})
	if err != nil {
		return nil, err
	}

	mm := conversations.NewMessagesManager(cfg.ConversationRepo)

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModels:      cms,
		MessagesManager: mm,
		Retriever:       cfg.Retriever,
		PromptConfig:    &cfg.Prompt,
		MaxRetries:      cfg.Conversation.MaxRetries,
		TopK:            cfg.Conversation.TopK,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Response graph built successfully")
	return NewRunner(runnable), nil
}

// NewRunner wraps a compiled graph in the serializing Runner. Exposed so tests
// can run the graph with scripted chat models.
func NewRunner(runnable compose.Runnable[model.QueryInput, *schema.Message]) Runner {
	return &graphRunner{runnable: runnable}
}

// BuildGraph constructs and returns the compiled conversation graph
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Basic config validation
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModels == nil || config.ChatModels.Classifier == nil ||
		config.ChatModels.Answer == nil || config.ChatModels.Reviewer == nil {
		return nil, fmt.Errorf("chat models are not properly initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.Retriever == nil {
		return nil, fmt.Errorf("retriever is nil")
	}
	if config.PromptConfig == nil {
		return nil, fmt.Errorf("prompt config is nil")
	}
	if config.TopK <= 0 {
		config.TopK = 10
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.QueryInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.TurnState {
				return &model.TurnState{}
			}),
		),
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	mm := b.config.MessagesManager
	cms := b.config.ChatModels
	promptCfg := b.config.PromptConfig

	b.graph.AddLambdaNode(nodes.NodeRetrieve,
		nodes.NewRetrieveNode(mm, b.config.Retriever, b.config.TopK),
		compose.WithStatePreHandler(nodes.NewRetrievePreHandler()),
		compose.WithStatePostHandler(nodes.NewRetrievePostHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeClassifierAssembler,
		nodes.NewClassifierAssemblerNode(promptCfg),
	)

	b.graph.AddChatModelNode(nodes.NodeClassifierModel,
		cms.Classifier,
		compose.WithStatePostHandler(nodes.NewClassifierPostHandler(cms.ClassifierModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeRelevanceParser,
		nodes.NewRelevanceParserNode(),
	)

	b.graph.AddLambdaNode(nodes.NodeRedirectAssembler,
		nodes.NewRedirectAssemblerNode(promptCfg),
	)

	// The redirect reuses the answer model with a dedicated instruction.
	b.graph.AddChatModelNode(nodes.NodeRedirectModel,
		cms.Answer,
		compose.WithStatePostHandler(nodes.NewRedirectPostHandler(mm, cms.AnswerModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeAnswerAssembler,
		nodes.NewAnswerAssemblerNode(promptCfg),
	)

	b.graph.AddChatModelNode(nodes.NodeAnswerModel,
		cms.Answer,
		compose.WithStatePostHandler(nodes.NewAnswerModelPostHandler(mm, cms.AnswerModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeReviewAssembler,
		nodes.NewReviewAssemblerNode(promptCfg),
	)

	b.graph.AddChatModelNode(nodes.NodeReviewerModel,
		cms.Reviewer,
		compose.WithStatePostHandler(nodes.NewReviewerPostHandler(cms.ReviewerModelName)),
	)

	b.graph.AddLambdaNode(nodes.NodeReviewParser,
		nodes.NewReviewParserNode(),
	)

	b.graph.AddLambdaNode(nodes.NodeRegenerate,
		nodes.NewRegenerateNode(),
	)

	b.graph.AddLambdaNode(nodes.NodeFinalize,
		nodes.NewFinalizeNode(mm),
	)
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeRetrieve},
		{nodes.NodeRetrieve, nodes.NodeClassifierAssembler},
		{nodes.NodeClassifierAssembler, nodes.NodeClassifierModel},
		{nodes.NodeClassifierModel, nodes.NodeRelevanceParser},
		{nodes.NodeRedirectAssembler, nodes.NodeRedirectModel},
		{nodes.NodeRedirectModel, compose.END},
		{nodes.NodeAnswerAssembler, nodes.NodeAnswerModel},
		{nodes.NodeAnswerModel, nodes.NodeReviewAssembler},
		{nodes.NodeReviewAssembler, nodes.NodeReviewerModel},
		{nodes.NodeReviewerModel, nodes.NodeReviewParser},
		{nodes.NodeRegenerate, nodes.NodeAnswerAssembler},
		{nodes.NodeFinalize, compose.END},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	relevanceBranch := compose.NewGraphBranch(
		nodes.NewRelevanceCondition(),
		map[string]bool{
			nodes.NodeRedirectAssembler: true,
			nodes.NodeAnswerAssembler:   true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeRelevanceParser, relevanceBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding relevance branch")
		return fmt.Errorf("error adding relevance branch: %w", err)
	}

	reviewBranch := compose.NewGraphBranch(
		nodes.NewReviewCondition(b.config.MaxRetries),
		map[string]bool{
			nodes.NodeFinalize:   true,
			nodes.NodeRegenerate: true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeReviewParser, reviewBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding review branch")
		return fmt.Errorf("error adding review branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.QueryInput, *schema.Message], error) {
	// Limit total run steps: each regeneration round visits six nodes, so the
	// loop terminates even if branch logic regresses.
	maxSteps := 12 + b.config.MaxRetries*8
	if maxSteps < 20 {
		maxSteps = 20
	}

	runnable, err := b.graph.Compile(ctx, compose.WithMaxRunSteps(maxSteps))
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

// keyedMutex serializes work per conversation id. Entries are refcounted and
// removed once the last holder releases, so the map does not grow with the
// total number of conversations ever seen.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
