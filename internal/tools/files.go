package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

// File tool limits.
const (
	DefaultMaxLines     = 2000
	DefaultContextRange = 50
	MaxSearchResults    = 50
	DefaultGrepResults  = 10
	grepScanLines       = 1000
	grepLineWidth       = 150
)

// FileTools exposes read-only source browsing rooted at a workspace,
// plus optional extra read-only roots. Relative paths are resolved
// against each root in order and the first existing match wins.
type FileTools struct {
	roots []string
}

// NewFileTools creates a new FileTools instance. If workspacePath is
// empty and no extra roots are given, file tools are disabled.
func NewFileTools(workspacePath string, readOnlyDirs []string) *FileTools {
	ft := &FileTools{}
	for _, dir := range append([]string{workspacePath}, readOnlyDirs...) {
		if dir == "" {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		ft.roots = append(ft.roots, abs)
	}
	return ft
}

// Enabled returns true if file tools are available.
func (ft *FileTools) Enabled() bool {
	return len(ft.roots) > 0
}

// Roots returns the absolute roots in resolution order.
func (ft *FileTools) Roots() []string {
	return append([]string(nil), ft.roots...)
}

// resolvePath converts path to an absolute path inside one of the
// roots, returning the path and the root that contains it.
func (ft *FileTools) resolvePath(path string) (string, string, error) {
	if !ft.Enabled() {
		return "", "", fmt.Errorf("workspace not configured")
	}
	if path == "" {
		path = "."
	}

	if filepath.IsAbs(path) {
		abs := filepath.Clean(path)
		for _, root := range ft.roots {
			if within(root, abs) {
				return abs, root, nil
			}
		}
		return "", "", fmt.Errorf("path escapes workspace: %s", path)
	}

	var first, firstRoot string
	for _, root := range ft.roots {
		abs := filepath.Join(root, path)
		if !within(root, abs) {
			continue
		}
		if first == "" {
			first, firstRoot = abs, root
		}
		if _, err := os.Stat(abs); err == nil {
			return abs, root, nil
		}
	}
	if first == "" {
		return "", "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return first, firstRoot, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Read returns file content. With errorLine > 0 only the lines within
// contextRange of it are shown, the error line marked with ">>>".
// Otherwise at most maxLines lines are returned with a notice when
// the file is longer.
func (ft *FileTools) Read(ctx context.Context, path string, errorLine, contextRange, maxLines int) (string, error) {
	abs, _, err := ft.resolvePath(path)
	if err != nil {
		return "", err
	}
	lines, err := readLines(ctx, abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", path)
		}
		return "", fmt.Errorf("read file: %w", err)
	}

	if contextRange <= 0 {
		contextRange = DefaultContextRange
	}
	if maxLines <= 0 {
		maxLines = DefaultMaxLines
	}
	total := len(lines)

	if errorLine > 0 {
		start := max(0, errorLine-contextRange-1)
		end := min(total, errorLine+contextRange)
		rule := strings.Repeat("=", 80)

		var sb strings.Builder
		fmt.Fprintf(&sb, "File: %s\n", filepath.Base(abs))
		fmt.Fprintf(&sb, "Path: %s\n", abs)
		fmt.Fprintf(&sb, "Total lines: %d\n\n", total)
		fmt.Fprintf(&sb, "Code around error line %d (±%d lines)\n", errorLine, contextRange)
		sb.WriteString(rule + "\n")
		for i := start; i < end; i++ {
			marker := "     "
			if i+1 == errorLine {
				marker = ">>> "
			}
			fmt.Fprintf(&sb, "%s%4d | %s\n", marker, i+1, lines[i])
		}
		sb.WriteString(rule + "\n")
		if errorLine > total {
			fmt.Fprintf(&sb, "\nLine %d is past the end of the file (%d lines).\n", errorLine, total)
		} else {
			fmt.Fprintf(&sb, "\nThe error occurred at line %d (marked >>>).\n", errorLine)
		}
		return sb.String(), nil
	}

	if total > maxLines {
		var sb strings.Builder
		fmt.Fprintf(&sb, "WARNING: file is too large; showing the first %d of %d lines.\n", maxLines, total)
		sb.WriteString("Use grep_code to find a specific section.\n\n")
		sb.WriteString(strings.Join(lines[:maxLines], "\n"))
		return sb.String(), nil
	}
	return strings.Join(lines, "\n"), nil
}

// Search walks directory recursively and returns paths whose base
// name matches pattern, skipping .git and anything the directory's
// .gitignore excludes. At most MaxSearchResults paths are returned.
func (ft *FileTools) Search(ctx context.Context, directory, pattern string) ([]string, error) {
	abs, _, err := ft.resolvePath(directory)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidArguments, pattern)
	}

	var gi *ignore.GitIgnore
	if compiled, err := ignore.CompileIgnoreFile(filepath.Join(abs, ".gitignore")); err == nil {
		gi = compiled
	}

	results := []string{}
	errFull := errors.New("full")
	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == abs {
			return nil
		}
		rel, _ := filepath.Rel(abs, p)
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if gi != nil && ignored(gi, filepath.ToSlash(rel), d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			results = append(results, p)
			if len(results) >= MaxSearchResults {
				return errFull
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFull) {
		return nil, fmt.Errorf("search %s: %w", directory, err)
	}
	return results, nil
}

// Grep returns "Line N: text" for lines containing term, case
// insensitively, scanning at most the first grepScanLines lines.
func (ft *FileTools) Grep(ctx context.Context, path, term string, maxResults int) ([]string, error) {
	if term == "" {
		return nil, fmt.Errorf("%w: search_term is required", ErrInvalidArguments)
	}
	if maxResults <= 0 {
		maxResults = DefaultGrepResults
	}
	abs, _, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}
	lines, err := readLines(ctx, abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("read file: %w", err)
	}
	if len(lines) > grepScanLines {
		lines = lines[:grepScanLines]
	}

	needle := strings.ToLower(term)
	var results []string
	for i, line := range lines {
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if r := []rune(trimmed); len(r) > grepLineWidth {
			trimmed = string(r[:grepLineWidth])
		}
		results = append(results, fmt.Sprintf("Line %d: %s", i+1, trimmed))
		if len(results) >= maxResults {
			break
		}
	}
	return results, nil
}

// DirEntry is one list_directory result.
type DirEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	IsDir bool   `json:"is_dir"`
}

// List returns the entries of directory.
func (ft *FileTools) List(ctx context.Context, directory string) ([]DirEntry, error) {
	abs, _, err := ft.resolvePath(directory)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("directory not found: %s", directory)
		}
		return nil, fmt.Errorf("list directory: %w", err)
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{
			Name:  e.Name(),
			Path:  filepath.Join(abs, e.Name()),
			IsDir: e.IsDir(),
		})
	}
	return out, nil
}

// FileInfo is the get_file_info result.
type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Lines    int       `json:"lines,omitempty"`
	IsDir    bool      `json:"is_dir"`
	Modified time.Time `json:"modified"`
}

// Info stats path. Line counts are reported for regular files.
func (ft *FileTools) Info(ctx context.Context, path string) (*FileInfo, error) {
	abs, _, err := ft.resolvePath(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("stat: %w", err)
	}
	info := &FileInfo{
		Path:     abs,
		Size:     st.Size(),
		IsDir:    st.IsDir(),
		Modified: st.ModTime().UTC(),
	}
	if st.Mode().IsRegular() {
		if lines, err := readLines(ctx, abs); err == nil {
			info.Lines = len(lines)
		}
	}
	return info, nil
}

func ignored(gi *ignore.GitIgnore, rel string, dir bool) bool {
	if gi.MatchesPath(rel) {
		return true
	}
	return dir && gi.MatchesPath(rel+"/")
}

func readLines(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(lines)%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	return lines, sc.Err()
}

// Register adds the file tools to reg.
func (ft *FileTools) Register(reg *Registry) error {
	defs := []*Tool{
		{
			Name:        "read_file",
			Description: "Read a source file. Pass error_line to see only the code around the failing line, marked with >>>.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":     map[string]any{"type": "string", "description": "Absolute path or path relative to the workspace"},
					"error_line":    map[string]any{"type": "integer", "minimum": 1, "description": "Line to center the excerpt on"},
					"context_range": map[string]any{"type": "integer", "minimum": 1, "description": "Lines shown on each side of error_line (default 50)"},
					"max_lines":     map[string]any{"type": "integer", "minimum": 1, "description": "Maximum lines returned without error_line (default 2000)"},
				},
				"required": []any{"file_path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return ft.Read(ctx, stringArg(args, "file_path", ""),
					intArg(args, "error_line", 0),
					intArg(args, "context_range", DefaultContextRange),
					intArg(args, "max_lines", DefaultMaxLines))
			},
		},
		{
			Name:        "search_files",
			Description: "Recursively find files whose name matches a glob pattern (e.g. *.php, UserController.php). Returns at most 50 paths as JSON.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directory": map[string]any{"type": "string", "description": "Directory to search"},
					"pattern":   map[string]any{"type": "string", "description": "File name glob (default *)"},
				},
				"required": []any{"directory"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				found, err := ft.Search(ctx, stringArg(args, "directory", "."), stringArg(args, "pattern", "*"))
				if err != nil {
					return "", err
				}
				return marshal(found)
			},
		},
		{
			Name:        "grep_code",
			Description: "Find lines in a file containing a term (case-insensitive). Returns line numbers with trimmed text.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path":   map[string]any{"type": "string"},
					"search_term": map[string]any{"type": "string", "minLength": 1},
					"max_results": map[string]any{"type": "integer", "minimum": 1, "description": "Default 10"},
				},
				"required": []any{"file_path", "search_term"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				term := stringArg(args, "search_term", "")
				found, err := ft.Grep(ctx, stringArg(args, "file_path", ""), term,
					intArg(args, "max_results", DefaultGrepResults))
				if err != nil {
					return "", err
				}
				if len(found) == 0 {
					return fmt.Sprintf("No lines matching %q.", term), nil
				}
				return strings.Join(found, "\n"), nil
			},
		},
		{
			Name:        "list_directory",
			Description: "List the files and folders in a directory as JSON.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"directory": map[string]any{"type": "string"},
				},
				"required": []any{"directory"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				entries, err := ft.List(ctx, stringArg(args, "directory", "."))
				if err != nil {
					return "", err
				}
				return marshal(entries)
			},
		},
		{
			Name:        "get_file_info",
			Description: "Report a file's size, line count and modification time.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file_path": map[string]any{"type": "string"},
				},
				"required": []any{"file_path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				info, err := ft.Info(ctx, stringArg(args, "file_path", ""))
				if err != nil {
					return "", err
				}
				return marshal(info)
			},
		},
	}
	for _, t := range defs {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
