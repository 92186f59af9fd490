package tools

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v69/github"
)

// MaxCodeSearchResults caps repo_search_code hits.
const MaxCodeSearchResults = 20

// RepoTools browses remote GitHub repositories so the agent can read
// code that is not checked out in the workspace.
type RepoTools struct {
	client *gogithub.Client
	owner  string // default owner for unqualified repo names
	logger *slog.Logger
}

// NewRepoTools creates repository tools. An empty baseURL targets
// github.com; anything else is treated as a GitHub Enterprise root.
func NewRepoTools(httpClient *http.Client, token, baseURL, defaultOwner string, logger *slog.Logger) (*RepoTools, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := gogithub.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("repo tools: base url: %w", err)
		}
	}
	return &RepoTools{
		client: client,
		owner:  defaultOwner,
		logger: logger.With("component", "repo_tools"),
	}, nil
}

// splitRepo splits "owner/repo", falling back to the default owner
// for a bare repository name.
func (rt *RepoTools) splitRepo(repo string) (string, string, error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) == 1 && parts[0] != "" && rt.owner != "" {
		return rt.owner, parts[0], nil
	}
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: invalid repo %q: expected owner/repo", ErrInvalidArguments, repo)
	}
	return parts[0], parts[1], nil
}

// checkRateLimit logs a warning when remaining API calls drop below threshold.
func (rt *RepoTools) checkRateLimit(resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		rt.logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// RepoEntry is one repo_list result.
type RepoEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

// List returns the entries of a directory in repo at ref.
func (rt *RepoTools) List(ctx context.Context, repo, path, ref string) ([]RepoEntry, error) {
	owner, name, err := rt.splitRepo(repo)
	if err != nil {
		return nil, err
	}
	file, dir, resp, err := rt.client.Repositories.GetContents(ctx, owner, name, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", repo, path, err)
	}
	rt.checkRateLimit(resp)

	if file != nil {
		return []RepoEntry{convertEntry(file)}, nil
	}
	out := make([]RepoEntry, 0, len(dir))
	for _, c := range dir {
		out = append(out, convertEntry(c))
	}
	return out, nil
}

// ReadFile returns the decoded content of one file.
func (rt *RepoTools) ReadFile(ctx context.Context, repo, path, ref string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: path is required", ErrInvalidArguments)
	}
	owner, name, err := rt.splitRepo(repo)
	if err != nil {
		return "", err
	}
	file, _, resp, err := rt.client.Repositories.GetContents(ctx, owner, name, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return "", fmt.Errorf("read %s/%s: %w", repo, path, err)
	}
	rt.checkRateLimit(resp)
	if file == nil {
		return "", fmt.Errorf("%s is a directory; use repo_list", path)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", path, err)
	}
	return content, nil
}

// CodeHit is one repo_search_code result.
type CodeHit struct {
	Path     string   `json:"path"`
	URL      string   `json:"url"`
	Snippets []string `json:"snippets,omitempty"`
}

// SearchCode runs a code search restricted to repo.
func (rt *RepoTools) SearchCode(ctx context.Context, repo, query string) ([]CodeHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
	}
	owner, name, err := rt.splitRepo(repo)
	if err != nil {
		return nil, err
	}
	opts := &gogithub.SearchOptions{
		TextMatch:   true,
		ListOptions: gogithub.ListOptions{PerPage: MaxCodeSearchResults},
	}
	q := fmt.Sprintf("%s repo:%s/%s", query, owner, name)
	r, resp, err := rt.client.Search.Code(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("search code: %w", err)
	}
	rt.checkRateLimit(resp)

	hits := make([]CodeHit, 0, len(r.CodeResults))
	for _, item := range r.CodeResults {
		if len(hits) >= MaxCodeSearchResults {
			break
		}
		hit := CodeHit{Path: item.GetPath(), URL: item.GetHTMLURL()}
		for _, m := range item.TextMatches {
			hit.Snippets = append(hit.Snippets, m.GetFragment())
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func convertEntry(c *gogithub.RepositoryContent) RepoEntry {
	return RepoEntry{
		Name: c.GetName(),
		Path: c.GetPath(),
		Type: c.GetType(),
		Size: c.GetSize(),
	}
}

// Register adds the repository tools to reg.
func (rt *RepoTools) Register(reg *Registry) error {
	repoProp := map[string]any{"type": "string", "description": "owner/repo, or a bare repo name under the default owner"}
	refProp := map[string]any{"type": "string", "description": "Branch, tag or commit (default branch when empty)"}

	defs := []*Tool{
		{
			Name:        "repo_list",
			Description: "List files in a GitHub repository directory.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repo": repoProp,
					"path": map[string]any{"type": "string", "description": "Directory path (root when empty)"},
					"ref":  refProp,
				},
				"required": []any{"repo"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				entries, err := rt.List(ctx, stringArg(args, "repo", ""), stringArg(args, "path", ""), stringArg(args, "ref", ""))
				if err != nil {
					return "", err
				}
				return marshal(entries)
			},
		},
		{
			Name:        "repo_read_file",
			Description: "Read a file from a GitHub repository.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repo": repoProp,
					"path": map[string]any{"type": "string"},
					"ref":  refProp,
				},
				"required": []any{"repo", "path"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				return rt.ReadFile(ctx, stringArg(args, "repo", ""), stringArg(args, "path", ""), stringArg(args, "ref", ""))
			},
		},
		{
			Name:        "repo_search_code",
			Description: "Search code in a GitHub repository. Returns at most 20 matching files.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"repo":  repoProp,
					"query": map[string]any{"type": "string", "minLength": 1},
				},
				"required": []any{"repo", "query"},
			},
			Handler: func(ctx context.Context, args map[string]any) (string, error) {
				hits, err := rt.SearchCode(ctx, stringArg(args, "repo", ""), stringArg(args, "query", ""))
				if err != nil {
					return "", err
				}
				return marshal(hits)
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
