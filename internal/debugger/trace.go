package debugger

import (
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Languages recognized in stack traces.
const (
	LangPython = "python"
	LangPHP    = "php"
)

// ErrNoLocations is returned when a stack trace names no usable file.
var ErrNoLocations = errors.New("no file locations found in stack trace")

var (
	pythonFrame = regexp.MustCompile(`File\s+"([^"]+)",\s+line\s+(\d+)(?:,\s+in\s+(\w+))?`)
	phpFrame    = regexp.MustCompile(`([/\w\-.]+\.php)[(:]+(\d+)\)?`)

	callExpr     = regexp.MustCompile(`(\w+)\((.*?)\)`)
	typeMismatch = regexp.MustCompile(`must be of the type (\w+), (\w+) given`)
)

// highlightedCalls are the call sites whose literal arguments are worth
// chasing back to their source.
var highlightedCalls = map[string]bool{
	"__construct":    true,
	"new":            true,
	"call_user_func": true,
}

// Location is one file position named by a stack frame.
type Location struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function,omitempty"`
	Language string `json:"language"`
}

// ExtractLocations finds Python and PHP frames in trace. A frame is
// kept when its path is absolute or contains basePath; an empty
// basePath keeps every frame. Python frames
// come first, then PHP, each in trace order, without duplicates.
func ExtractLocations(trace, basePath string) []Location {
	var out []Location
	seen := make(map[string]bool)

	keep := func(loc Location) {
		if !strings.Contains(loc.File, basePath) && !filepath.IsAbs(loc.File) {
			return
		}
		key := loc.File + ":" + strconv.Itoa(loc.Line)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, loc)
	}

	for _, m := range pythonFrame.FindAllStringSubmatch(trace, -1) {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		keep(Location{File: m[1], Line: line, Function: m[3], Language: LangPython})
	}
	for _, m := range phpFrame.FindAllStringSubmatch(trace, -1) {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		keep(Location{File: m[1], Line: line, Language: LangPHP})
	}
	return out
}

// Insights are hints pulled from the message and trace text before
// the model sees them.
type Insights struct {
	CallArguments []string
	TypeExpected  string
	TypeActual    string
}

// ExtractInsights collects literal arguments of constructor-style calls
// and a "must be of the type X, Y given" mismatch, if present.
func ExtractInsights(message, trace string) Insights {
	var in Insights
	seen := make(map[string]bool)
	for _, m := range callExpr.FindAllStringSubmatch(trace, -1) {
		if !highlightedCalls[m[1]] || strings.TrimSpace(m[2]) == "" {
			continue
		}
		call := m[1] + "(" + m[2] + ")"
		if seen[call] {
			continue
		}
		seen[call] = true
		in.CallArguments = append(in.CallArguments, call)
	}
	if m := typeMismatch.FindStringSubmatch(message); m != nil {
		in.TypeExpected, in.TypeActual = m[1], m[2]
	} else if m := typeMismatch.FindStringSubmatch(trace); m != nil {
		in.TypeExpected, in.TypeActual = m[1], m[2]
	}
	return in
}
