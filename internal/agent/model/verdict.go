package model

// RelevanceVerdict is the classifier's decision on whether a question belongs
// to the service domain. Reason is advisory only.
type RelevanceVerdict struct {
	Relevant bool   `json:"is_relevant"`
	Reason   string `json:"reason"`
}

// ReviewVerdict is the validator's decision on a generated answer. When
// Correct is false, Feedback carries the corrective note that drives the next
// generation attempt.
type ReviewVerdict struct {
	Correct  bool   `json:"is_correct"`
	Feedback string `json:"feedback"`
}
