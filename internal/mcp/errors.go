package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/run"
	"github.com/HyphaGroup/gatekeeper/internal/transport"
	"github.com/HyphaGroup/gatekeeper/internal/validation"
)

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"api_key",
	"authorization",
	"bearer",
	"token",
	"password",
	"secret",
}

// SanitizeError returns a client-safe error message. Errors that describe
// what the caller did wrong are returned as they are. Server responses are
// reduced to their status; their bodies are logged but not exposed.
func SanitizeError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	if reason, ok := transport.AbortReasonOf(err); ok {
		return fmt.Errorf("%s aborted: %s", operation, reason)
	}
	if errors.Is(err, run.ErrInvalidTransition) ||
		errors.Is(err, run.ErrInvalidDecision) ||
		errors.Is(err, run.ErrNoSession) ||
		errors.Is(err, validation.ErrInvalidInput) {
		return err
	}

	var te *transport.TransportError
	if errors.As(err, &te) {
		logger.ErrorContext(ctx, "tool call failed", "operation", operation, "error", err)
		if te.Status != 0 {
			return fmt.Errorf("%s failed: server returned status %d", operation, te.Status)
		}
		return fmt.Errorf("%s failed: server unreachable", operation)
	}
	var me *transport.MalformedResponseError
	if errors.As(err, &me) {
		return fmt.Errorf("%s failed: %v", operation, me)
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range sensitivePatterns {
		if strings.Contains(errStr, pattern) {
			logger.ErrorContext(ctx, "tool call failed (sensitive)", "operation", operation, "error", err)
			return fmt.Errorf("%s failed: internal error", operation)
		}
	}

	logger.ErrorContext(ctx, "tool call failed", "operation", operation, "error", err)
	return fmt.Errorf("%s failed: %s", operation, genericErrorMessage(err.Error()))
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	if len(errStr) < 80 {
		return errStr
	}
	return "an unexpected error occurred"
}
