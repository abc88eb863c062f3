package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/server"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/store"
)

type stubRunner struct {
	result model.TurnResult
	err    error
	calls  []model.QueryInput
}

func (s *stubRunner) Invoke(_ context.Context, in model.QueryInput) (model.TurnResult, error) {
	s.calls = append(s.calls, in)
	if s.err != nil {
		return model.TurnResult{}, s.err
	}
	return s.result, nil
}

type memoryConvRepo struct {
	messages map[string][]*schema.Message
}

func (m *memoryConvRepo) AddMessage(_ context.Context, id string, msg *schema.Message) error {
	if m.messages == nil {
		m.messages = map[string][]*schema.Message{}
	}
	m.messages[id] = append(m.messages[id], msg)
	return nil
}

func (m *memoryConvRepo) LoadHistory(_ context.Context, id string) (*model.ConversationHistory, error) {
	return &model.ConversationHistory{ConversationID: id, Messages: m.messages[id]}, nil
}

func (m *memoryConvRepo) ClearHistory(_ context.Context, id string) error {
	delete(m.messages, id)
	return nil
}

func (m *memoryConvRepo) GetMessageCount(_ context.Context, id string) (int, error) {
	return len(m.messages[id]), nil
}

type testEnv struct {
	runner   *stubRunner
	repo     store.Repository
	convRepo *memoryConvRepo
	srv      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	runner := &stubRunner{result: model.TurnResult{Answer: "We clean offices.", Validated: true}}
	convRepo := &memoryConvRepo{}

	handler := server.NewHandler(runner, repo, convRepo, nil)
	srv := httptest.NewServer(handler.Router())
	t.Cleanup(srv.Close)

	return &testEnv{runner: runner, repo: repo, convRepo: convRepo, srv: srv}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) initiateChat(t *testing.T, phoneNumber string) (userID, sessionID string) {
	t.Helper()
	resp := e.postJSON(t, "/auth/initiate-chat", map[string]string{"phone_number": phoneNumber})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	return body["user_id"], body["session_id"]
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInitiateChat(t *testing.T) {
	env := newTestEnv(t)

	resp := env.postJSON(t, "/auth/initiate-chat", map[string]string{"phone_number": "01712345678"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)

	assert.Equal(t, "+8801712345678", body["phone_number"])
	_, err := uuid.Parse(body["session_id"])
	assert.NoError(t, err)

	// Initiating again with the same number reuses the active session.
	resp = env.postJSON(t, "/auth/initiate-chat", map[string]string{"phone_number": "+8801712345678"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decode[map[string]string](t, resp)
	assert.Equal(t, body["session_id"], again["session_id"])
	assert.Equal(t, body["user_id"], again["user_id"])
}

func TestInitiateChatRejectsBadPhone(t *testing.T) {
	env := newTestEnv(t)
	resp := env.postJSON(t, "/auth/initiate-chat", map[string]string{"phone_number": "12345"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)
	_, sessionID := env.initiateChat(t, "01712345678")

	resp := env.postJSON(t, "/chat", map[string]string{
		"session_id": sessionID,
		"message":    "Do you clean offices?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)

	assert.Equal(t, "We clean offices.", body["response"])
	assert.Equal(t, sessionID, body["session_id"])

	// The session id doubles as the conversation id.
	require.Len(t, env.runner.calls, 1)
	assert.Equal(t, sessionID, env.runner.calls[0].ConversationID)
	assert.Equal(t, "Do you clean offices?", env.runner.calls[0].Query)

	// A completed turn touches the session.
	session, err := env.repo.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.NotNil(t, session.LastMessageAt)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)
	_, sessionID := env.initiateChat(t, "01712345678")

	resp := env.postJSON(t, "/chat", map[string]string{"session_id": "not-a-uuid", "message": "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postJSON(t, "/chat", map[string]string{"session_id": sessionID, "message": ""})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.postJSON(t, "/chat", map[string]string{"session_id": uuid.NewString(), "message": "hi"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatFailureReturnsApology(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = fmt.Errorf("model unavailable")
	_, sessionID := env.initiateChat(t, "01712345678")

	resp := env.postJSON(t, "/chat", map[string]string{"session_id": sessionID, "message": "hi"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := decode[map[string]any](t, resp)

	// The internal error is never echoed to the customer.
	assert.Equal(t, server.FallbackReply, body["response"])
}

func TestSessionHistory(t *testing.T) {
	env := newTestEnv(t)
	_, sessionID := env.initiateChat(t, "01712345678")

	ctx := context.Background()
	require.NoError(t, env.convRepo.AddMessage(ctx, sessionID, schema.UserMessage("hello")))
	require.NoError(t, env.convRepo.AddMessage(ctx, sessionID, schema.AssistantMessage("hi, how can I help?", nil)))

	resp, err := http.Get(env.srv.URL + "/sessions/" + sessionID + "/history")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}](t, resp)

	require.Len(t, body.Messages, 2)
	assert.Equal(t, "user", body.Messages[0].Role)
	assert.Equal(t, "hello", body.Messages[0].Content)
	assert.Equal(t, "assistant", body.Messages[1].Role)
}

func TestSessionHistoryUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/sessions/" + uuid.NewString() + "/history")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteSessionIsAcknowledgedNoOp(t *testing.T) {
	env := newTestEnv(t)
	_, sessionID := env.initiateChat(t, "01712345678")

	ctx := context.Background()
	require.NoError(t, env.convRepo.AddMessage(ctx, sessionID, schema.UserMessage("hello")))

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/sessions/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// History survives; the conversation key only ever expires via TTL.
	n, err := env.convRepo.GetMessageCount(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
