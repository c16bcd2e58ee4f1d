package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/anima-research/animachat/internal/errs"
)

// UpstreamKind categorizes a provider failure.
type UpstreamKind string

const (
	UpstreamRateLimited        UpstreamKind = "rate_limited"
	UpstreamOverloaded         UpstreamKind = "overloaded"
	UpstreamContextTooLong     UpstreamKind = "context_too_long"
	UpstreamAuthFailed         UpstreamKind = "auth_failed"
	UpstreamContentFiltered    UpstreamKind = "content_filtered"
	UpstreamTimeout            UpstreamKind = "timeout"
	UpstreamServerError        UpstreamKind = "server_error"
	UpstreamEndpointNotFound   UpstreamKind = "endpoint_not_found"
	UpstreamInsufficientCredit UpstreamKind = "insufficient_credits"
)

// UpstreamError wraps a provider failure with its category and a
// human-readable message plus suggestion for the client error frame.
type UpstreamError struct {
	Kind       UpstreamKind
	Message    string
	Suggestion string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Err }

var upstreamInfo = map[UpstreamKind][2]string{
	UpstreamRateLimited:        {"The provider is rate limiting requests.", "Wait a moment and try again."},
	UpstreamOverloaded:         {"The provider is overloaded right now.", "Try again shortly or switch models."},
	UpstreamContextTooLong:     {"The conversation no longer fits the model's context window.", "Enable rolling context management or start a new conversation."},
	UpstreamAuthFailed:         {"Authentication with the provider failed.", "Check the configured API key for this profile."},
	UpstreamContentFiltered:    {"The provider refused the request due to content filtering.", "Rephrase the message and try again."},
	UpstreamTimeout:            {"The provider did not respond in time.", "Try again; long prompts may need a shorter context."},
	UpstreamServerError:        {"The provider returned an internal error.", "Try again shortly."},
	UpstreamEndpointNotFound:   {"The provider endpoint or model was not found.", "Check the model ID and profile base URL."},
	UpstreamInsufficientCredit: {"The provider account is out of credits.", "Top up the provider account or switch profiles."},
}

// newUpstreamError builds an UpstreamError with its canonical message and
// suggestion, wrapped in the error taxonomy.
func newUpstreamError(kind UpstreamKind, cause error) error {
	info := upstreamInfo[kind]
	ue := &UpstreamError{Kind: kind, Message: info[0], Suggestion: info[1], Err: cause}
	return errs.Wrap(ue, errs.KindUpstream, "upstream %s", kind)
}

// AsUpstream extracts the UpstreamError from an error chain, nil when absent.
func AsUpstream(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return nil
}

// classify maps a raw provider error into the upstream taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newUpstreamError(UpstreamTimeout, err)
	}

	status := 0
	var antErr *anthropicsdk.Error
	if errors.As(err, &antErr) {
		status = antErr.StatusCode
	}
	var oaErr *openai.APIError
	if errors.As(err, &oaErr) {
		status = oaErr.HTTPStatusCode
	}

	switch status {
	case http.StatusTooManyRequests:
		return newUpstreamError(UpstreamRateLimited, err)
	case http.StatusUnauthorized, http.StatusForbidden:
		return newUpstreamError(UpstreamAuthFailed, err)
	case http.StatusNotFound:
		return newUpstreamError(UpstreamEndpointNotFound, err)
	case http.StatusPaymentRequired:
		return newUpstreamError(UpstreamInsufficientCredit, err)
	case 529:
		return newUpstreamError(UpstreamOverloaded, err)
	}
	if status >= 500 {
		return newUpstreamError(UpstreamServerError, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context length") || strings.Contains(msg, "too long") || strings.Contains(msg, "prompt is too long"):
		return newUpstreamError(UpstreamContextTooLong, err)
	case strings.Contains(msg, "content filter") || strings.Contains(msg, "content_policy"):
		return newUpstreamError(UpstreamContentFiltered, err)
	case strings.Contains(msg, "overloaded"):
		return newUpstreamError(UpstreamOverloaded, err)
	case strings.Contains(msg, "rate limit"):
		return newUpstreamError(UpstreamRateLimited, err)
	case strings.Contains(msg, "insufficient") && strings.Contains(msg, "credit"):
		return newUpstreamError(UpstreamInsufficientCredit, err)
	}
	return newUpstreamError(UpstreamServerError, err)
}
