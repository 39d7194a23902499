package coordinator

import (
	"errors"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// sentinel errors a node executor or collaborator may wrap to signal the
// error's kind; Classify inspects the chain with errors.Is.
var (
	ErrTransientFailure  = errors.New("transient failure")
	ErrPermanentFailure  = errors.New("permanent failure")
	ErrResourceFailure   = errors.New("resource failure")
	ErrPolicyFailure     = errors.New("policy failure")
	ErrValidationFailure = errors.New("validation failure")
)

// Classify maps an error to an ErrKind. Errors not matching any sentinel
// default to permanent — a fail-closed choice, consistent with the rest
// of the validation design.
func Classify(err error) domain.ErrKind {
	switch {
	case err == nil:
		return domain.ErrPermanent
	case errors.Is(err, ErrValidationFailure):
		return domain.ErrValidation
	case errors.Is(err, ErrTransientFailure):
		return domain.ErrTransient
	case errors.Is(err, ErrResourceFailure):
		return domain.ErrResource
	case errors.Is(err, ErrPolicyFailure):
		return domain.ErrPolicy
	default:
		return domain.ErrPermanent
	}
}

// ErrorCode enumerates the codes an external node executor may report in
// NodeResult.ErrorCode, used by ClassifyCode for executors that report a
// code instead of a Go error chain.
type ErrorCode string

const (
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
	CodeAuth          ErrorCode = "AUTH"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	CodeOverflow      ErrorCode = "OVERFLOW"
)

// ClassifyCode maps a reported error code to an ErrKind, used when the
// external node executor reports error_code directly (NodeResult)
// instead of a Go error.
func ClassifyCode(code ErrorCode) domain.ErrKind {
	switch code {
	case CodeTimeout, CodeRateLimit:
		return domain.ErrTransient
	case CodeAuth, CodeNotFound:
		return domain.ErrPermanent
	case CodeOverflow:
		return domain.ErrResource
	case CodeInvalidConfig:
		return domain.ErrValidation
	default:
		return domain.ErrPermanent
	}
}
