package model

// ================ Config ================
type ConversationConfig struct {
	TTL        string `envconfig:"CONVERSATION_TTL" default:"15m"`
	MaxRetries int    `envconfig:"CONVERSATION_MAX_RETRIES" default:"3"`
	TopK       int    `envconfig:"RETRIEVAL_TOP_K" default:"10"`
}

type ClassifierModelConfig struct {
	Model       string  `envconfig:"CLASSIFIER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"CLASSIFIER_MAX_TOKENS" default:"500"`
	Temperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" default:"0.0"`
}

type AnswerModelConfig struct {
	Model       string  `envconfig:"ANSWER_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"ANSWER_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"ANSWER_TEMPERATURE" default:"0.2"`
}

type ReviewerModelConfig struct {
	Model       string  `envconfig:"REVIEWER_MODEL" default:"gemini-2.5-flash-lite"`
	MaxTokens   int     `envconfig:"REVIEWER_MAX_TOKENS" default:"800"`
	Temperature float32 `envconfig:"REVIEWER_TEMPERATURE" default:"0.0"`
}

type PromptConfig struct {
	BusinessType string `envconfig:"PROMPT_BUSINESS_TYPE" default:"cleaning services"`
	BusinessName string `envconfig:"PROMPT_BUSINESS_NAME" default:"Safai"`
}
