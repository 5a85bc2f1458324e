package rule

import "errors"

// Common rule errors.
var (
	// ErrRuleNotFound indicates that no rule exists for the requested id
	// or selection criteria.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleInactive indicates that the rule exists but is disabled.
	// It matches ErrRuleNotFound under errors.Is so callers that only
	// care about usability need a single check.
	ErrRuleInactive = inactiveError{}

	// ErrRepositoryUnavailable indicates an I/O failure reading from the
	// rule store.
	ErrRepositoryUnavailable = errors.New("rule repository unavailable")

	// ErrNilRule indicates that a nil rule was passed to the compiler.
	ErrNilRule = errors.New("rule is nil")
)

// inactiveError is a distinct sentinel that also satisfies
// errors.Is(err, ErrRuleNotFound).
type inactiveError struct{}

func (inactiveError) Error() string { return "rule is inactive" }

func (inactiveError) Is(target error) bool { return target == ErrRuleNotFound }
