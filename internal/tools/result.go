package tools

import "fmt"

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindExecutionFailed  ErrorKind = "execution_failed"
	KindTimeout          ErrorKind = "timeout"
)

// errorPrefix starts the wire form of every failed result.
const errorPrefix = "ERROR: "

// Result is the outcome of one tool call: either Ok text or an error
// of a given kind. The zero value is an empty Ok result.
type Result struct {
	text string
	kind ErrorKind
}

// Ok returns a successful result carrying text verbatim.
func Ok(text string) Result {
	return Result{text: text}
}

// Err returns a failed result.
func Err(kind ErrorKind, format string, args ...any) Result {
	return Result{kind: kind, text: fmt.Sprintf(format, args...)}
}

// IsError reports whether the call failed.
func (r Result) IsError() bool {
	return r.kind != ""
}

// Kind returns the error kind, or "" for a successful result.
func (r Result) Kind() ErrorKind {
	return r.kind
}

// Message returns the raw output or error message without the wire prefix.
func (r Result) Message() string {
	return r.text
}

// Text renders the result as the model sees it. Errors are prefixed
// with "ERROR: ".
func (r Result) Text() string {
	if r.IsError() {
		return errorPrefix + r.text
	}
	return r.text
}

// String implements fmt.Stringer.
func (r Result) String() string {
	return r.Text()
}
