package engine

import "fmt"

// NotFoundError covers lookups of resources that do not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenError reports a plan the caller is not allowed to execute,
// such as one owned by a different user or installation.
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

// StateError reports a plan in a status that cannot be executed.
type StateError struct {
	Code    string
	Message string
}

func (e *StateError) Error() string { return e.Message }

// IntentError is a failed intent verification. Code is one of the
// intent.Code* constants.
type IntentError struct {
	Code    string
	Message string
}

func (e *IntentError) Error() string { return e.Message }

// ForbiddenScopeError means the token lacks a scope the plan requires.
type ForbiddenScopeError struct {
	Scope string
}

func (e *ForbiddenScopeError) Error() string {
	return fmt.Sprintf("token is missing required scope %q", e.Scope)
}
