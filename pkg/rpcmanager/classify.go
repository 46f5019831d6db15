package rpcmanager

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ava-labs/libevm/rpc"
)

// FailureClass separates throttling from everything else so the two back off
// independently.
type FailureClass string

const (
	ClassHard        FailureClass = "hard"
	ClassRateLimited FailureClass = "rate_limited"
)

// codeLimitExceeded is the JSON-RPC error code providers use for request limits.
const codeLimitExceeded = -32005

// Classify maps an RPC error onto a failure class. Anything not recognised as
// throttling is a hard failure.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return ClassRateLimited
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeLimitExceeded {
		return ClassRateLimited
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "429"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "too many requests"):
		return ClassRateLimited
	default:
		return ClassHard
	}
}

// countsAgainstEndpoint reports whether err says anything about the endpoint.
// Caller cancellation does not.
func countsAgainstEndpoint(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
