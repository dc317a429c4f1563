package tools

import "fmt"

// DuplicateToolError is returned by Register when a tool name is
// already taken. First registration wins: built-in tools cannot be
// silently shadowed by later registrations.
type DuplicateToolError struct {
	ToolName string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}

// UnknownToolError is returned when a call targets a tool that is not
// present in the registry. This indicates a capability mismatch, not a
// transient execution failure.
type UnknownToolError struct {
	ToolName string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.ToolName)
}
