package tools

import "errors"

var (
	// ErrUnknownTool is returned by Get for names the registry lacks.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments marks arguments that are missing or fail the
	// tool's schema. Handlers wrap it to report their own argument
	// checks as invalid_arguments rather than execution_failed.
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrDuplicateTool is returned by Register when the name is taken.
	ErrDuplicateTool = errors.New("duplicate tool")
)
