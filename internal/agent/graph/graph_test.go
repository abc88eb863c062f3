package graph_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/conversations"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/nodes"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph/parsers"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
)

// scriptedModel replays canned replies in order and records every prompt it
// was called with.
type scriptedModel struct {
	name string

	mu      sync.Mutex
	replies []*schema.Message
	calls   [][]*schema.Message
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, input)
	if len(m.replies) == 0 {
		return nil, fmt.Errorf("%s: no scripted reply left", m.name)
	}
	out := m.replies[0]
	m.replies = m.replies[1:]
	return out, nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	out, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{out}), nil
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *scriptedModel) call(i int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

type memoryRepo struct {
	mu       sync.Mutex
	messages map[string][]*schema.Message
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{messages: map[string][]*schema.Message{}}
}

func (r *memoryRepo) AddMessage(_ context.Context, conversationID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[conversationID] = append(r.messages[conversationID], message)
	return nil
}

func (r *memoryRepo) LoadHistory(_ context.Context, conversationID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &model.ConversationHistory{
		ConversationID: conversationID,
		Messages:       append([]*schema.Message{}, r.messages[conversationID]...),
	}, nil
}

func (r *memoryRepo) ClearHistory(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, conversationID)
	return nil
}

func (r *memoryRepo) GetMessageCount(_ context.Context, conversationID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages[conversationID]), nil
}

func (r *memoryRepo) stored(conversationID string) []*schema.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schema.Message{}, r.messages[conversationID]...)
}

type fixedRetriever struct {
	passages []string
}

func (f *fixedRetriever) Retrieve(_ context.Context, _ string, _ int) ([]string, error) {
	return f.passages, nil
}

func relevant(reason string) *schema.Message {
	return schema.AssistantMessage(fmt.Sprintf(`{"is_relevant": true, "reason": %q}`, reason), nil)
}

func notRelevant(reason string) *schema.Message {
	return schema.AssistantMessage(fmt.Sprintf(`{"is_relevant": false, "reason": %q}`, reason), nil)
}

func accept() *schema.Message {
	return schema.AssistantMessage(`{"is_correct": true, "feedback": ""}`, nil)
}

func reject(feedback string) *schema.Message {
	return schema.AssistantMessage(fmt.Sprintf(`{"is_correct": false, "feedback": %q}`, feedback), nil)
}

func buildRunner(t *testing.T, classifier, answer, reviewer einomodel.BaseChatModel, repo model.ConversationRepository, maxRetries int) graph.Runner {
	t.Helper()

	runnable, err := graph.BuildGraph(context.Background(), &graph.GraphConfig{
		ChatModels: &nodes.ChatModels{
			Classifier:          classifier,
			Answer:              answer,
			Reviewer:            reviewer,
			ClassifierModelName: "gemini-2.5-flash-lite",
			AnswerModelName:     "gemini-2.5-flash",
			ReviewerModelName:   "gemini-2.5-flash-lite",
		},
		MessagesManager: conversations.NewMessagesManager(repo),
		Retriever:       &fixedRetriever{passages: []string{"Office cleaning costs 5000 BDT per visit."}},
		PromptConfig:    &model.PromptConfig{BusinessType: "cleaning services", BusinessName: "Safai"},
		MaxRetries:      maxRetries,
		TopK:            5,
	})
	require.NoError(t, err)
	return graph.NewRunner(runnable)
}

func TestFirstPassAccept(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing question")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("Office cleaning is 5000 BDT per visit.", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{accept()}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-accept",
		Query:          "How much is office cleaning?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Office cleaning is 5000 BDT per visit.", result.Answer)
	assert.Zero(t, result.RetryCount)
	assert.True(t, result.Validated)
	assert.False(t, result.OutOfDomain)

	stored := repo.stored("conv-accept")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.User, stored[0].Role)
	assert.Equal(t, "How much is office cleaning?", stored[0].Content)
	assert.Equal(t, schema.Assistant, stored[1].Role)
}

func TestSecondTurnCarriesHistory(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{
		relevant("pricing"), relevant("follow-up"),
	}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("5000 BDT per visit.", nil),
		schema.AssistantMessage("Yes, weekly plans get a discount.", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{accept(), accept()}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)
	ctx := context.Background()

	_, err := runner.Invoke(ctx, model.QueryInput{ConversationID: "conv-hist", Query: "How much is office cleaning?"})
	require.NoError(t, err)
	_, err = runner.Invoke(ctx, model.QueryInput{ConversationID: "conv-hist", Query: "Any discount for weekly service?"})
	require.NoError(t, err)

	// Second generation prompt: system, two prior turns, current question.
	require.Equal(t, 2, answer.callCount())
	second := answer.call(1)
	require.Len(t, second, 4)
	assert.Equal(t, schema.System, second[0].Role)
	assert.Equal(t, "How much is office cleaning?", second[1].Content)
	assert.Equal(t, "5000 BDT per visit.", second[2].Content)
	assert.Equal(t, "Any discount for weekly service?", second[3].Content)

	assert.Len(t, repo.stored("conv-hist"), 4)
}

func TestOutOfDomainShortCircuit(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{notRelevant("asks about cooking")}}
	// The redirect leg reuses the answer model.
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("I can only help with Safai cleaning services. Anything I can do for your home or office?", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer"}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-ood",
		Query:          "What is a good biryani recipe?",
	})
	require.NoError(t, err)

	assert.True(t, result.OutOfDomain)
	assert.False(t, result.Validated)
	assert.Zero(t, result.RetryCount)
	assert.Contains(t, result.Answer, "cleaning services")

	// The validator never runs on this path.
	assert.Zero(t, reviewer.callCount())

	stored := repo.stored("conv-ood")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.User, stored[0].Role)
	assert.Equal(t, schema.Assistant, stored[1].Role)
}

func TestRejectionThenAccept(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("Cleaning is 9000 BDT.", nil),
		schema.AssistantMessage("Cleaning is 5000 BDT per visit.", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{
		reject("The price does not match the context, it says 5000 BDT."),
		accept(),
	}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-retry",
		Query:          "How much is cleaning?",
	})
	require.NoError(t, err)

	assert.Equal(t, "Cleaning is 5000 BDT per visit.", result.Answer)
	assert.Equal(t, 1, result.RetryCount)
	assert.True(t, result.Validated)

	// The regeneration prompt carries the reviewer feedback.
	require.Equal(t, 2, answer.callCount())
	regenSystem := answer.call(1)[0]
	assert.Equal(t, schema.System, regenSystem.Role)
	assert.Contains(t, regenSystem.Content, "does not match the context")

	// The rejected candidate is never persisted.
	stored := repo.stored("conv-retry")
	require.Len(t, stored, 2)
	assert.Equal(t, "Cleaning is 5000 BDT per visit.", stored[1].Content)
}

func TestBudgetExhaustedForcedAccept(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("attempt 1", nil),
		schema.AssistantMessage("attempt 2", nil),
		schema.AssistantMessage("attempt 3", nil),
		schema.AssistantMessage("attempt 4", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{
		reject("still wrong"), reject("still wrong"), reject("still wrong"), reject("still wrong"),
	}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-budget",
		Query:          "How much is cleaning?",
	})
	require.NoError(t, err)

	// Initial generation plus three regenerations, then the last candidate is
	// kept unvalidated.
	assert.Equal(t, 4, answer.callCount())
	assert.Equal(t, 4, reviewer.callCount())
	assert.Equal(t, "attempt 4", result.Answer)
	assert.Equal(t, 3, result.RetryCount)
	assert.False(t, result.Validated)
	assert.False(t, result.OutOfDomain)

	// The user turn is saved exactly once even across regenerations.
	stored := repo.stored("conv-budget")
	require.Len(t, stored, 2)
	assert.Equal(t, schema.User, stored[0].Role)
	assert.Equal(t, "attempt 4", stored[1].Content)
}

func TestZeroBudgetAcceptsFirstCandidate(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("only attempt", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{reject("wrong")}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 0)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-zero",
		Query:          "How much is cleaning?",
	})
	require.NoError(t, err)

	assert.Equal(t, "only attempt", result.Answer)
	assert.Zero(t, result.RetryCount)
	assert.False(t, result.Validated)
	assert.Equal(t, 1, answer.callCount())
}

func TestMalformedReviewerOutputTriggersRegeneration(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("first draft", nil),
		schema.AssistantMessage("second draft", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{
		schema.AssistantMessage("I am not sure what to say about this.", nil),
		accept(),
	}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-malformed",
		Query:          "How much is cleaning?",
	})
	require.NoError(t, err)

	// Unusable reviewer output counts as a rejection with default feedback.
	assert.Equal(t, "second draft", result.Answer)
	assert.Equal(t, 1, result.RetryCount)
	assert.True(t, result.Validated)

	regenSystem := answer.call(1)[0]
	assert.Contains(t, regenSystem.Content, parsers.DefaultFeedback)
}

func TestMalformedClassifierOutputFailsOpen(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{
		schema.AssistantMessage("this is definitely about cleaning I believe", nil),
	}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("We clean offices.", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{accept()}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	result, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-failopen",
		Query:          "Do you clean offices?",
	})
	require.NoError(t, err)

	// The question goes through the main pipeline, not the redirect.
	assert.False(t, result.OutOfDomain)
	assert.True(t, result.Validated)
}

func TestReviewerReceivesEvidenceTriple(t *testing.T) {
	classifier := &scriptedModel{name: "classifier", replies: []*schema.Message{relevant("pricing")}}
	answer := &scriptedModel{name: "answer", replies: []*schema.Message{
		schema.AssistantMessage("Cleaning is 5000 BDT.", nil),
	}}
	reviewer := &scriptedModel{name: "reviewer", replies: []*schema.Message{accept()}}
	repo := newMemoryRepo()

	runner := buildRunner(t, classifier, answer, reviewer, repo, 3)

	_, err := runner.Invoke(context.Background(), model.QueryInput{
		ConversationID: "conv-evidence",
		Query:          "How much is cleaning?",
	})
	require.NoError(t, err)

	require.Equal(t, 1, reviewer.callCount())
	input := reviewer.call(0)
	require.Len(t, input, 2)
	body := input[1].Content
	assert.True(t, strings.Contains(body, "Office cleaning costs 5000 BDT per visit."))
	assert.True(t, strings.Contains(body, "How much is cleaning?"))
	assert.True(t, strings.Contains(body, "Cleaning is 5000 BDT."))
}
