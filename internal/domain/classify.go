package domain

import (
	"fmt"
	"time"
)

// ProviderResponse is the parsed result of one Bot API send call.
// Transport marks network-level failures (timeouts, connection errors) that
// never produced a provider body.
type ProviderResponse struct {
	OK          bool
	ErrorCode   int
	Description string
	// RetryAfter is parameters.retry_after in seconds, when the provider
	// supplied one (429 throttling).
	RetryAfter *int
	Transport  bool
}

// Outcome is the classifier's verdict for one send attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetry
	OutcomePermanent
)

// Classification pairs the verdict with its retry delay or failure reason.
type Classification struct {
	Outcome    Outcome
	RetryAfter time.Duration
	Reason     string
}

// Classify maps a provider response to success, retry, or permanent failure.
// attempt is the attempt count after the claim; once attempt reaches
// maxAttempts any retryable verdict escalates to permanent. A malformed
// payload (400) will not self-heal by retrying, so all 400s are permanent.
func Classify(resp ProviderResponse, attempt, maxAttempts int) Classification {
	if resp.OK {
		return Classification{Outcome: OutcomeSuccess}
	}

	reason := resp.Description
	if reason == "" {
		reason = fmt.Sprintf("provider error code %d", resp.ErrorCode)
	}

	var cls Classification
	switch {
	case resp.Transport:
		cls = Classification{Outcome: OutcomeRetry, RetryAfter: RetryDelay(attempt), Reason: reason}
	case resp.ErrorCode == 429:
		after := RetryDelay(attempt)
		if resp.RetryAfter != nil && *resp.RetryAfter >= 0 {
			after = time.Duration(*resp.RetryAfter) * time.Second
		}
		cls = Classification{Outcome: OutcomeRetry, RetryAfter: after, Reason: reason}
	case resp.ErrorCode >= 500:
		cls = Classification{Outcome: OutcomeRetry, RetryAfter: RetryDelay(attempt), Reason: reason}
	case resp.ErrorCode == 400, resp.ErrorCode == 401, resp.ErrorCode == 403, resp.ErrorCode == 404:
		return Classification{Outcome: OutcomePermanent, Reason: reason}
	default:
		// Unknown codes default to retry.
		cls = Classification{Outcome: OutcomeRetry, RetryAfter: RetryDelay(attempt), Reason: reason}
	}

	if cls.Outcome == OutcomeRetry && attempt >= maxAttempts {
		return Classification{
			Outcome: OutcomePermanent,
			Reason:  fmt.Sprintf("max attempts (%d) exhausted: %s", maxAttempts, reason),
		}
	}
	return cls
}
