// Package prompts renders the system prompts for the four language-model
// calls the conversation graph makes. Templates are embedded; rendering goes
// through the Eino prompt component so prompt callbacks fire.
package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
)

//go:embed template/answer_prompt.txt
var answerSystemPrompt string

//go:embed template/classifier_prompt.txt
var classifierSystemPrompt string

//go:embed template/redirect_prompt.txt
var redirectSystemPrompt string

//go:embed template/review_prompt.txt
var reviewSystemPrompt string

// correctionDirective is appended to the answer system prompt only when a
// prior validation failure is driving a regeneration.
const correctionDirective = "\n\nIMPORTANT CORRECTION: your previous answer to this question was rejected by review. Reviewer feedback: %s\nRewrite the answer so it fully addresses this feedback while still following every rule above."

// render pushes an already-substituted system prompt through the Eino prompt
// component using a messages placeholder. Token substitution happens first via
// strings.Replacer so retrieved context and user text can never collide with
// template syntax.
func render(ctx context.Context, content string) (string, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}

func brandReplacer(cfg model.PromptConfig) *strings.Replacer {
	return strings.NewReplacer(
		"{business_name}", cfg.BusinessName,
		"{business_type}", cfg.BusinessType,
	)
}

// RenderAnswerSystem renders the main grounded-answer system prompt. When
// feedback is non-empty this is a regeneration and the correction directive is
// appended to the fixed instruction.
func RenderAnswerSystem(ctx context.Context, cfg model.PromptConfig, contextText, question, feedback string) (string, error) {
	content := strings.NewReplacer(
		"{business_name}", cfg.BusinessName,
		"{business_type}", cfg.BusinessType,
		"{context}", contextText,
		"{question}", question,
	).Replace(answerSystemPrompt)

	if strings.TrimSpace(feedback) != "" {
		content += fmt.Sprintf(correctionDirective, feedback)
	}
	return render(ctx, content)
}

// RenderClassifierSystem renders the relevance classifier system prompt.
func RenderClassifierSystem(ctx context.Context, cfg model.PromptConfig) (string, error) {
	return render(ctx, brandReplacer(cfg).Replace(classifierSystemPrompt))
}

// RenderRedirectSystem renders the out-of-domain redirect instruction.
func RenderRedirectSystem(ctx context.Context, cfg model.PromptConfig) (string, error) {
	return render(ctx, brandReplacer(cfg).Replace(redirectSystemPrompt))
}

// RenderReviewSystem renders the validator system prompt.
func RenderReviewSystem(ctx context.Context, cfg model.PromptConfig) (string, error) {
	return render(ctx, brandReplacer(cfg).Replace(reviewSystemPrompt))
}

// BuildReviewInput packs the evidence triple the reviewer judges into one user
// message.
func BuildReviewInput(contextText, question, answer string) string {
	var b strings.Builder
	b.WriteString("<context>\n")
	b.WriteString(contextText)
	b.WriteString("\n</context>\n<question>\n")
	b.WriteString(question)
	b.WriteString("\n</question>\n<answer>\n")
	b.WriteString(answer)
	b.WriteString("\n</answer>")
	return b.String()
}
