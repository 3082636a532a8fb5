package gateway

import (
	"context"
	"errors"

	"github.com/cozy/connections/internal/matching"
	"github.com/cozy/connections/internal/protocol"
	"github.com/cozy/connections/internal/questionnaire"
)

var (
	errRateLimited = errors.New("gateway: rate limited")
	errBadRequest  = errors.New("gateway: bad request")
)

// codeFor maps an error to the reply code clients switch on.
func codeFor(err error) string {
	switch {
	case errors.Is(err, errRateLimited):
		return protocol.CodeRateLimited
	case errors.Is(err, errBadRequest),
		errors.Is(err, matching.ErrInvalidDecision),
		errors.Is(err, questionnaire.ErrInvalidAnswer),
		errors.Is(err, questionnaire.ErrUnknownQuestion):
		return protocol.CodeBadRequest
	case errors.Is(err, matching.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, matching.ErrNotEligible):
		return protocol.CodeNotEligible
	case errors.Is(err, matching.ErrForbidden):
		return protocol.CodeForbidden
	case errors.Is(err, matching.ErrInvalidTransition):
		return protocol.CodeInvalidTransition
	case errors.Is(err, matching.ErrUpstreamUnavailable),
		errors.Is(err, questionnaire.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeUpstreamUnavailable
	}
	return protocol.CodeInternal
}
