// Package kerrors defines the typed error taxonomy shared by every kernel
// component.
package kerrors

import "errors"

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", Err...)
// so callers can still errors.Is/errors.As past any added context.
var (
	// ErrCapacityExceeded is returned by spawn when active-agent count is
	// already at the configured maximum.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrUnknownType is returned by spawn when the requested agent type is
	// not registered (core or plugin-contributed).
	ErrUnknownType = errors.New("unknown agent type")

	// ErrUnknownParent is returned by spawn when parent_id does not refer to
	// a currently registered agent.
	ErrUnknownParent = errors.New("unknown parent agent")

	// ErrParentCannotSpawn is returned by spawn when the named parent has
	// canSpawnChildren == false.
	ErrParentCannotSpawn = errors.New("parent cannot spawn children")

	// ErrPluginError wraps plugin registration failures: bad semver,
	// duplicate name, missing/inactive dependency, initialize() failure.
	ErrPluginError = errors.New("plugin error")

	// ErrConsentRequired is returned by consent-gated operations when the
	// user has not granted the purpose in question.
	ErrConsentRequired = errors.New("consent required")

	// ErrInvalidPurpose is returned when a consent operation names a
	// purpose outside the closed enumeration.
	ErrInvalidPurpose = errors.New("invalid consent purpose")

	// ErrMessageExpired is the disposition for a message whose TTL lapsed
	// before it was dequeued.
	ErrMessageExpired = errors.New("message expired")

	// ErrMessageRejected is the disposition for a message whose retries
	// were exhausted on reject(requeue=true).
	ErrMessageRejected = errors.New("message rejected")

	// ErrBudgetDenied names a budget-gate denial. The quality-gated Execute
	// path reads BudgetGate.CheckBudget's bool and falls back to
	// GracefulDegradation without returning this error.
	ErrBudgetDenied = errors.New("budget denied")

	// ErrTimeout names an elapsed request/consume deadline. Bus.Request and
	// Queue.Consume report a timeout as a false ok value, not as this error.
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is a general not-registered/not-present error used by
	// registry and plugin-loader lookups.
	ErrNotFound = errors.New("not found")
)
