/*
errors.go - Error taxonomy for the economy engine

ERROR CATEGORIES:
  1. NotFound          - a referenced record is missing; the action aborts
  2. InvalidState      - the workflow is not in a state that allows the action
  3. PolicyViolation   - a rule (self-approval, roles) forbids the action
  4. InsufficientFunds - a strict debit would drive a balance negative
  5. Malformed         - stored definition data cannot be interpreted

  Every structured error unwraps to its sentinel, so callers can branch with
  errors.Is and still read the details with errors.As.

NOTHING RETRIES:
  The engine never retries. IsRetryable exists for callers that want to
  retry store-level conflicts.
*/
package economy

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrPolicyViolation   = errors.New("policy violation")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMalformed         = errors.New("malformed data")

	// ErrDuplicate is returned by stores when a uniqueness constraint fires.
	ErrDuplicate = errors.New("duplicate record")

	// ErrConcurrentModification is returned by stores that detect a
	// serialization conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

type NotFoundError struct {
	Kind string // "user", "quest", "asset", ...
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind string, id any) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// Invalid state codes.
const (
	CodeNotPending        = "not_pending"
	CodeNotCompleted      = "not_completed"
	CodeAlreadyCompleted  = "already_completed_today"
	CodeJourneyFinished   = "journey_finished"
	CodeCheckpointPending = "checkpoint_pending"
	CodeClaimNotRequired  = "claim_not_required"
	CodeClaimRequired     = "claim_required"
	CodeClaimNotFound     = "claim_not_found"
	CodeCompletionLimit   = "completion_limit"
	CodeCompletedInFuture = "completed_in_future"
	CodeQuestInactive     = "quest_inactive"
	CodeNotForSale        = "not_for_sale"
	CodeNotInMarket       = "not_in_market"
	CodePurchaseLimit     = "purchase_limit"
	CodeInvalidCostTier   = "invalid_cost_tier"
	CodeNotExchangeable   = "not_exchangeable"
	CodeExchangeTooSmall  = "exchange_too_small"
	CodeInvalidAmount     = "invalid_amount"
	CodeNoTargets         = "no_targets"
	CodeTrophyAlreadyHeld = "trophy_already_held"
	CodeSelfApproval      = "self_approval_disabled"
	CodeNotAuthorized     = "not_authorized"
	CodeNotBuyer          = "not_buyer"
)

type InvalidStateError struct {
	Code    string
	Message string
}

func (e *InvalidStateError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func invalidState(code, format string, args ...any) error {
	return &InvalidStateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type PolicyViolationError struct {
	Code    string
	Message string
}

func (e *PolicyViolationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }
func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID       UserID
	GuildID      GuildID
	RewardTypeID RewardTypeID
	Available    int64
	Requested    int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %d, requested %d, shortfall %d",
		e.RewardTypeID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// MalformedError describes stored data that the engine cannot interpret.
type MalformedError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s %q: %s", e.Kind, e.ID, e.Reason)
}

func (e *MalformedError) Unwrap() error { return ErrMalformed }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the action was refused by a business rule.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
