package nodes

import (
	"context"
	"fmt"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey           string
	BaseURL          string
	ClassifierConfig *model.ClassifierModelConfig
	AnswerConfig     *model.AnswerModelConfig
	ReviewerConfig   *model.ReviewerModelConfig
}

// ChatModels holds the three chat models the graph runs. The out-of-domain
// redirect reuses the Answer model with a dedicated instruction. Fields are
// the Eino model interface so tests can substitute scripted models.
type ChatModels struct {
	Classifier einomodel.BaseChatModel
	Answer     einomodel.BaseChatModel
	Reviewer   einomodel.BaseChatModel

	ClassifierModelName string
	AnswerModelName     string
	ReviewerModelName   string
}

// NewChatModels creates the classifier, answer, and reviewer chat models with
// the given configuration.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	classifier, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ClassifierConfig.Model,
		Temperature: &config.ClassifierConfig.Temperature,
		MaxTokens:   &config.ClassifierConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating classifier model")
		return nil, fmt.Errorf("error creating classifier model: %w", err)
	}

	answer, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.AnswerConfig.Model,
		Temperature: &config.AnswerConfig.Temperature,
		MaxTokens:   &config.AnswerConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating answer model")
		return nil, fmt.Errorf("error creating answer model: %w", err)
	}

	reviewer, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.ReviewerConfig.Model,
		Temperature: &config.ReviewerConfig.Temperature,
		MaxTokens:   &config.ReviewerConfig.MaxTokens,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating reviewer model")
		return nil, fmt.Errorf("error creating reviewer model: %w", err)
	}

	return &ChatModels{
		Classifier:          classifier,
		Answer:              answer,
		Reviewer:            reviewer,
		ClassifierModelName: config.ClassifierConfig.Model,
		AnswerModelName:     config.AnswerConfig.Model,
		ReviewerModelName:   config.ReviewerConfig.Model,
	}, nil
}
