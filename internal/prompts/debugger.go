package prompts

import (
	"fmt"
	"strings"
)

const debuggerSystemPrompt = `You are an expert software debugger and code analyst. You investigate production errors by reading the code that raised them.

Rules:
- Start with the file and line where the error was raised. Always pass error_line to read_file when you know it.
- Follow the call flow into the functions and files that produced the bad value. Read only what you need.
- Use grep_code to locate a definition inside a large file instead of reading it whole.
- When you have enough evidence, stop calling tools and write the analysis.`

const analysisFormat = `## Output format
Write the final analysis in Markdown with exactly these sections:

### Error Location
File, line, function and the offending line of code.

### Cause
Step by step: what the failing line did, where its inputs came from, and why they were wrong.

### Business Logic
What the surrounding code is for and how execution reached it.

### Root Cause
Why the situation arose, beyond the immediate exception.

### Fix
A concrete code change, with a snippet.

### Prevention
How to stop this class of error from recurring.`

// DebuggerPolicy drives one-shot error analysis runs.
type DebuggerPolicy struct {
	basePolicy
}

// SystemPrompt returns the analyst persona and tool-use rules.
func (DebuggerPolicy) SystemPrompt() string { return debuggerSystemPrompt }

// StepInstruction warns the model when one tool round remains before
// the forced-final call.
func (DebuggerPolicy) StepInstruction(iteration, maxIterations int) string {
	if maxIterations >= 3 && iteration == maxIterations-2 {
		return "Budget note: you have one more round of tool calls. After that you must write the final analysis without tools."
	}
	return ""
}

// AnalysisLocation is one file position extracted from a stack trace.
type AnalysisLocation struct {
	File     string
	Line     int
	Function string
	Language string
}

// AnalysisBrief carries everything the first user turn of an analysis
// run needs.
type AnalysisBrief struct {
	ErrorType    string
	ErrorMessage string
	StackTrace   string
	InputParams  string
	BasePath     string
	Locations    []AnalysisLocation
	// CallArguments are literal constructor or call arguments seen in
	// the trace, e.g. __construct('POST_1', '17').
	CallArguments []string
	// TypeExpected and TypeActual come from "must be of the type X, Y given".
	TypeExpected string
	TypeActual   string
}

// AnalysisPrompt renders the opening user turn for an analysis run.
func AnalysisPrompt(b AnalysisBrief) string {
	var sb strings.Builder

	sb.WriteString("Analyze this production error.\n\n")
	fmt.Fprintf(&sb, "**Error type:** %s\n", b.ErrorType)
	fmt.Fprintf(&sb, "**Message:** %s\n", b.ErrorMessage)
	if b.TypeExpected != "" {
		fmt.Fprintf(&sb, "**Type mismatch:** expected %s, got %s\n", b.TypeExpected, b.TypeActual)
	}
	if len(b.Locations) > 0 {
		fmt.Fprintf(&sb, "**Error line:** %d\n", b.Locations[0].Line)
	}

	if len(b.CallArguments) > 0 {
		sb.WriteString("\nArgument values seen in the trace. Trace where these values came from:\n")
		for _, a := range b.CallArguments {
			fmt.Fprintf(&sb, "- `%s`\n", a)
		}
	}

	sb.WriteString("\n## Stack trace\n```\n")
	sb.WriteString(strings.TrimRight(b.StackTrace, "\n"))
	sb.WriteString("\n```\n")

	sb.WriteString("\n## Input parameters\n")
	if b.InputParams != "" {
		sb.WriteString(b.InputParams)
	} else {
		sb.WriteString("none")
	}
	sb.WriteString("\n")

	sb.WriteString("\n## Files in the trace\n")
	for _, loc := range b.Locations {
		fmt.Fprintf(&sb, "- %s:%d", loc.File, loc.Line)
		if loc.Function != "" {
			fmt.Fprintf(&sb, " in %s", loc.Function)
		}
		fmt.Fprintf(&sb, " (%s)\n", loc.Language)
	}

	if b.BasePath != "" {
		fmt.Fprintf(&sb, "\n## Server code root\n%s\n", b.BasePath)
	}

	sb.WriteString("\n")
	sb.WriteString(analysisFormat)
	return sb.String()
}
