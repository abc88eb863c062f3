package parsers

import (
	"encoding/json"
	"strings"

	logx "github.com/tabeebnagorik-debug/safai-chatbot-cursor/pkg/logger"

	"github.com/tabeebnagorik-debug/safai-chatbot-cursor/internal/agent/model"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 64 * 1024 // 64KB of model output is already nonsense
	maxErrSnippet = 200
)

// DefaultFeedback is substituted when the reviewer rejects an answer without
// giving a usable correction. Feedback must be non-empty on rejection because
// it doubles as the regeneration signal.
const DefaultFeedback = "The previous answer was not supported by the provided context. Answer strictly from the context and do not invent details."

// ExtractJSONObject locates the outermost {...} span in free text. The second
// return value reports whether a balanced object was found at all.
func ExtractJSONObject(content string) (string, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

func guard(content string) string {
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "verdict_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:maxContentLen]
	}
	return content
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}

// ParseRelevanceVerdict extracts {"is_relevant": bool, "reason": string} from
// free text. It fails open: any extraction or decode failure yields a relevant
// verdict, since validating an off-topic answer is cheaper than silently
// mis-routing an on-topic one.
func ParseRelevanceVerdict(content string) (verdict model.RelevanceVerdict) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "relevance_parser").Msgf("panic recovered: %v", r)
			verdict = model.RelevanceVerdict{Relevant: true, Reason: "parser panic, failing open"}
		}
	}()

	content = guard(content)

	raw, ok := ExtractJSONObject(content)
	if !ok {
		logx.Warn().Str("component", "relevance_parser").Str("snippet", safeSnippet(content)).
			Msg("no JSON object in classifier output, failing open")
		return model.RelevanceVerdict{Relevant: true, Reason: "no structured verdict, failing open"}
	}

	var decoded struct {
		Relevant *bool  `json:"is_relevant"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil || decoded.Relevant == nil {
		logx.Warn().Str("component", "relevance_parser").Str("snippet", safeSnippet(raw)).
			Msg("malformed classifier verdict, failing open")
		return model.RelevanceVerdict{Relevant: true, Reason: "malformed verdict, failing open"}
	}

	return model.RelevanceVerdict{Relevant: *decoded.Relevant, Reason: decoded.Reason}
}

// ParseReviewVerdict extracts {"is_correct": bool, "feedback": string} from
// free text. Fallback order: strict JSON, then substring heuristics, then a
// needs-feedback default. "incorrect" is checked before "correct" because the
// former contains the latter.
func ParseReviewVerdict(content string) (verdict model.ReviewVerdict) {
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "review_parser").Msgf("panic recovered: %v", r)
			verdict = model.ReviewVerdict{Correct: false, Feedback: DefaultFeedback}
		}
	}()

	content = guard(content)

	if raw, ok := ExtractJSONObject(content); ok {
		var decoded struct {
			Correct  *bool  `json:"is_correct"`
			Feedback string `json:"feedback"`
		}
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil && decoded.Correct != nil {
			v := model.ReviewVerdict{Correct: *decoded.Correct, Feedback: decoded.Feedback}
			if !v.Correct && strings.TrimSpace(v.Feedback) == "" {
				v.Feedback = DefaultFeedback
			}
			return v
		}
	}

	lowered := strings.ToLower(content)
	switch {
	case strings.Contains(lowered, "incorrect"):
		logx.Warn().Str("component", "review_parser").Msg("structured verdict missing, heuristic says incorrect")
		return model.ReviewVerdict{Correct: false, Feedback: DefaultFeedback}
	case strings.Contains(lowered, "correct"):
		logx.Warn().Str("component", "review_parser").Msg("structured verdict missing, heuristic says correct")
		return model.ReviewVerdict{Correct: true}
	default:
		logx.Warn().Str("component", "review_parser").Str("snippet", safeSnippet(content)).
			Msg("unusable reviewer output, treating as needing feedback")
		return model.ReviewVerdict{Correct: false, Feedback: DefaultFeedback}
	}
}
