package llm

import "errors"

var (
	// ErrTransport marks network or provider-side failures that exhausted
	// the retry budget.
	ErrTransport = errors.New("llm: transport error")
	// ErrSchemaViolation marks a response that never satisfied the output
	// schema, even after re-prompting.
	ErrSchemaViolation = errors.New("llm: schema violation")
	// ErrTimeout marks a call abandoned at the worker deadline.
	ErrTimeout = errors.New("llm: timeout")
)
