package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// WebSearchTool queries a SearXNG instance's JSON API, per §4.H's "web
// search" catalogue entry. Grounded on the teacher's
// internal/tools/web/search.go (SearXNG-backed tool, JSON response format,
// bounded max_results), condensed from the teacher's token-bucket/retry
// machinery to a single bounded-timeout call — the registry's own per-call
// timeout (internal/tools/registry.go) already provides the retry boundary
// the model loop uses when a call fails.
type WebSearchTool struct {
	client     *http.Client
	searxngURL string
}

// NewWebSearchTool builds a tool against a SearXNG base URL, e.g.
// "https://searx.example.com".
func NewWebSearchTool(searxngURL string) *WebSearchTool {
	return &WebSearchTool{
		client:     &http.Client{Timeout: 12 * time.Second},
		searxngURL: strings.TrimSuffix(searxngURL, "/"),
	}
}

func (t *WebSearchTool) Definition() Definition {
	return Definition{
		Name:        "web_search",
		Description: "Search the web and return top result titles/URLs/snippets. Use for fact lookup and recent information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "Search query"},
				"max_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "default": 5},
			},
			"required": []string{"query"},
		},
	}
}

type webSearchArgs struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type webSearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

func (t *WebSearchTool) Call(ctx context.Context, ic InvocationContext, raw json.RawMessage) ToolOutput {
	var args webSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolOutput{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}
	query := strings.TrimSpace(args.Query)
	if query == "" {
		return ToolOutput{Content: "query must not be empty", IsError: true}
	}
	maxResults := args.MaxResults
	if maxResults <= 0 || maxResults > 10 {
		maxResults = 5
	}
	if t.searxngURL == "" {
		return ToolOutput{Content: "web_search is not configured (no search backend URL)", IsError: true}
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	reqURL := t.searxngURL + "/search?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("build request: %v", err), IsError: true}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("search request failed: %v", err), IsError: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ToolOutput{Content: "search backend returned status " + strconv.Itoa(resp.StatusCode), IsError: true}
	}

	var parsed struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return ToolOutput{Content: fmt.Sprintf("decode search response: %v", err), IsError: true}
	}

	hits := make([]webSearchHit, 0, maxResults)
	for _, r := range parsed.Results {
		if len(hits) >= maxResults {
			break
		}
		hits = append(hits, webSearchHit{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}

	body, _ := json.Marshal(map[string]any{"query": query, "results": hits})
	return ToolOutput{Content: string(body), Metadata: map[string]any{"resultCount": len(hits)}}
}
