package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	readability "github.com/go-shiori/go-readability"
)

// WebFetchHardCap is spec.md §4.H's mandatory 30-second hard cap on a
// web-fetch call, applied regardless of any larger InvocationContext.Timeout.
const WebFetchHardCap = 30 * time.Second

const webFetchMaxBytes = 4 * 1024 * 1024

// WebFetchTool retrieves a URL and converts its HTML body to readable text,
// per §4.H's "web fetch (with an HTML-to-readable-text conversion and a
// 30-second hard cap)" catalogue entry. Grounded on the teacher's
// internal/tools/web/fetch.go Fetcher (readability extraction +
// html-to-markdown conversion, byte cap, redirect policy), condensed to a
// single-shot tool call.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{}}
}

func (t *WebFetchTool) Definition() Definition {
	return Definition{
		Name:        "web_fetch",
		Description: "Fetch a URL and return its main content converted to readable text/markdown. Hard 30s timeout.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch."},
			},
			"required": []string{"url"},
		},
	}
}

type webFetchArgs struct {
	URL string `json:"url"`
}

func (t *WebFetchTool) Call(ctx context.Context, ic InvocationContext, raw json.RawMessage) ToolOutput {
	var args webFetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return ToolOutput{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}
	}
	u, err := url.Parse(strings.TrimSpace(args.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ToolOutput{Content: fmt.Sprintf("invalid or unsupported URL %q", args.URL), IsError: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, WebFetchHardCap)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("build request: %v", err), IsError: true}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; weave-web-fetch/1.0)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := t.client.Do(req)
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("fetch %s: %v", u, err), IsError: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes+1))
	if err != nil {
		return ToolOutput{Content: fmt.Sprintf("read response body: %v", err), IsError: true}
	}
	if len(body) > webFetchMaxBytes {
		return ToolOutput{Content: fmt.Sprintf("response exceeds %d byte cap", webFetchMaxBytes), IsError: true}
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "html") && !strings.Contains(contentType, "xml") && contentType != "" {
		return ToolOutput{
			Content:  string(body),
			Metadata: map[string]any{"url": u.String(), "status": resp.StatusCode, "contentType": contentType},
		}
	}

	title, markdown, convErr := htmlToReadableText(u, body)
	if convErr != nil {
		// Readability/conversion failure still returns the raw HTML so the
		// model has something to work with, matching §4.H's "never
		// propagated as transport failures" rule for tool execution.
		return ToolOutput{
			Content:  string(body),
			Metadata: map[string]any{"url": u.String(), "status": resp.StatusCode, "readabilityError": convErr.Error()},
		}
	}

	return ToolOutput{
		Content:  markdown,
		Metadata: map[string]any{"url": u.String(), "status": resp.StatusCode, "title": title},
	}
}

func htmlToReadableText(base *url.URL, body []byte) (title, markdown string, err error) {
	article, err := readability.FromReader(strings.NewReader(string(body)), base)
	html := string(body)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		html = article.Content
		title = article.Title
	}
	md, convErr := htmltomarkdown.ConvertString(html)
	if convErr != nil {
		return title, "", convErr
	}
	return title, md, nil
}
