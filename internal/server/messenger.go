package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/graph"
	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// MessengerConfig holds the Facebook Messenger platform credentials.
type MessengerConfig struct {
	VerifyToken     string `envconfig:"MESSENGER_VERIFY_TOKEN"`
	PageAccessToken string `envconfig:"MESSENGER_PAGE_ACCESS_TOKEN"`
	GraphAPIURL     string `envconfig:"MESSENGER_GRAPH_API_URL" default:"https://graph.facebook.com/v21.0/me/messages"`
}

// Enabled reports whether both tokens are configured.
func (c MessengerConfig) Enabled() bool {
	return c.VerifyToken != "" && c.PageAccessToken != ""
}

// MessengerClient sends messages back through the Graph API.
type MessengerClient struct {
	cfg  MessengerConfig
	http *http.Client
}

// NewMessengerClient creates a Graph API client.
func NewMessengerClient(cfg MessengerConfig) *MessengerClient {
	return &MessengerClient{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type messengerSendPayload struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	MessagingType string `json:"messaging_type,omitempty"`
	Message       *struct {
		Text string `json:"text"`
	} `json:"message,omitempty"`
	SenderAction string `json:"sender_action,omitempty"`
}

// SendMessage posts a text reply to the given PSID.
func (c *MessengerClient) SendMessage(ctx context.Context, psid, text string) error {
	var payload messengerSendPayload
	payload.Recipient.ID = psid
	payload.MessagingType = "RESPONSE"
	payload.Message = &struct {
		Text string `json:"text"`
	}{Text: text}
	return c.post(ctx, payload)
}

// SendTypingIndicator flags the conversation as typing while a turn runs.
func (c *MessengerClient) SendTypingIndicator(ctx context.Context, psid string) error {
	var payload messengerSendPayload
	payload.Recipient.ID = psid
	payload.SenderAction = "typing_on"
	return c.post(ctx, payload)
}

func (c *MessengerClient) post(ctx context.Context, payload messengerSendPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal messenger payload: %w", err)
	}

	url := fmt.Sprintf("%s?access_token=%s", c.cfg.GraphAPIURL, c.cfg.PageAccessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build messenger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("messenger send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("messenger send status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// MessengerWebhook receives Facebook page events and routes text messages
// through the response graph.
type MessengerWebhook struct {
	cfg    MessengerConfig
	client *MessengerClient
	runner graph.Runner
}

// NewMessengerWebhook creates the webhook handler.
func NewMessengerWebhook(cfg MessengerConfig, client *MessengerClient, runner graph.Runner) *MessengerWebhook {
	return &MessengerWebhook{cfg: cfg, client: client, runner: runner}
}

// HandleVerify answers the platform's subscription handshake.
func (m *MessengerWebhook) HandleVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == m.cfg.VerifyToken {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, challenge)
		return
	}
	w.WriteHeader(http.StatusForbidden)
}

type messengerEvent struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				Text   string `json:"text"`
				IsEcho bool   `json:"is_echo"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// HandleEvent processes incoming page events. The platform retries anything
// that is not a 200, so malformed or unsupported events are acknowledged and
// skipped rather than rejected.
func (m *MessengerWebhook) HandleEvent(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusOK)

	var event messengerEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		logx.Warn().Err(err).Msg("messenger event decode failed")
		return
	}
	if event.Object != "page" {
		return
	}

	for _, entry := range event.Entry {
		for _, msg := range entry.Messaging {
			if msg.Sender.ID == "" || msg.Message.IsEcho || msg.Message.Text == "" {
				continue
			}
			m.handleTextMessage(r.Context(), msg.Sender.ID, msg.Message.Text)
		}
	}
}

func (m *MessengerWebhook) handleTextMessage(ctx context.Context, psid, text string) {
	if err := m.client.SendTypingIndicator(ctx, psid); err != nil {
		logx.Warn().Err(err).Str("psid", psid).Msg("typing indicator failed")
	}

	result, err := m.runner.Invoke(ctx, model.QueryInput{
		ConversationID: "messenger_" + psid,
		Query:          text,
	})

	reply := FallbackReply
	if err != nil {
		logx.Error().Err(err).Str("psid", psid).Msg("messenger turn failed")
	} else {
		reply = result.Answer
	}

	if err := m.client.SendMessage(ctx, psid, reply); err != nil {
		logx.Error().Err(err).Str("psid", psid).Msg("messenger reply failed")
	}
}
