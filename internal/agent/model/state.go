package model

import (
	"github.com/cloudwego/eino/schema"
)

// TurnState stores per-invocation state for the Eino Graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Eino serializes access to state within these handlers, so no additional
//     mutex/atomic is required as long as you never touch it outside handlers.
//   - Do not access TurnState directly from outside handlers. For persistence,
//     use repositories/services (e.g., MessagesManager).
type TurnState struct {
	ConversationID string
	Question       string            // question for the in-flight turn
	Context        string            // retrieved passages joined by blank lines
	History        []*schema.Message // prior turns at retrieve time; current turn appended at terminal nodes
	Candidate      *schema.Message   // latest generated answer; replaced on regeneration, never persisted until accepted
	Feedback       string            // non-empty exactly when a regeneration is pending
	RetryCount     int
	OutOfDomain    bool
	ForcedAccept   bool // set when the retry budget ran out and the last candidate was kept
	UserTurnSaved  bool // guards against persisting the user turn more than once per call

	// Accumulated total LLM cost (USD) across model invocations for this turn
	TotalCostUSD float64
}

// QueryInput represents the input for processing user queries.
type QueryInput struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
}

// TurnResult is what a completed turn hands back to the caller boundary.
// Validated is false both for out-of-domain redirects and for answers kept
// only because the regeneration budget ran out.
type TurnResult struct {
	Answer       string
	RetryCount   int
	Validated    bool
	OutOfDomain  bool
	TotalCostUSD float64
}

// Extra keys the terminal graph nodes attach to the outgoing message so the
// runner can build a TurnResult without touching graph state.
const (
	ExtraRetryCount   = "retry_count"
	ExtraValidated    = "validated"
	ExtraOutOfDomain  = "out_of_domain"
	ExtraTotalCostUSD = "usage_cost_total_usd"
)
