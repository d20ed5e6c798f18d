package gateway

import "fmt"

// TransientError is a retryable failure: network error, retryable HTTP
// status, or rate-limit signal from the backend.
type TransientError struct {
	Message    string
	StatusCode int
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient backend error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transient backend error: %s", e.Message)
}

// BudgetExceededError is a non-retryable stop signal from the external
// cost tracker. It propagates immediately.
type BudgetExceededError struct {
	Reason string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("generation budget exceeded: %s", e.Reason)
}

// MalformedResponseError marks an empty or unparseable backend response.
// Treated as transient: the next attempt may produce usable output.
type MalformedResponseError struct {
	Detail string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed backend response: %s", e.Detail)
}

// GenerationFailedError is raised after the retry budget is exhausted.
// Last carries the final underlying error.
type GenerationFailedError struct {
	Attempts int
	Last     error
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("generation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *GenerationFailedError) Unwrap() error {
	return e.Last
}
