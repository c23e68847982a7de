package tool

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/sageflow/sageflow-go/flow/adapter"
	"github.com/sageflow/sageflow-go/flow/model"
)

// ScraperTool fetches a web page and returns its visible text: markup,
// scripts, and styles stripped, whitespace collapsed. Good enough for
// feeding page content to a model; not a DOM API.
//
// Input: {"url": string, "max_chars"?: number}. Output: {"url", "title",
// "text"}.
type ScraperTool struct {
	invoker adapter.Invoker
}

// NewScraperTool creates a ScraperTool over the given invoker.
func NewScraperTool(invoker adapter.Invoker) *ScraperTool {
	return &ScraperTool{invoker: invoker}
}

// Name implements Tool.
func (t *ScraperTool) Name() string { return "scrape_page" }

// Spec implements Tool.
func (t *ScraperTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        t.Name(),
		Description: "Fetch a web page and return its title and visible text.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":       map[string]any{"type": "string"},
				"max_chars": map[string]any{"type": "integer", "description": "Truncate the text to this many characters"},
			},
			"required": []string{"url"},
		},
	}
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	titleRe  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Call implements Tool.
func (t *ScraperTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	rawURL, _ := input["url"].(string)
	if rawURL == "" {
		return nil, errors.New("scrape_page: url is required")
	}

	resp, err := t.invoker.Do(ctx, adapter.Request{Method: "GET", URL: rawURL})
	if err != nil {
		return nil, err
	}
	html := string(resp.Body)

	title := ""
	if m := titleRe.FindStringSubmatch(html); len(m) == 2 {
		title = strings.TrimSpace(m[1])
	}
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))

	if max, ok := numeric(input["max_chars"]); ok && max > 0 && len(text) > max {
		text = text[:max]
	}
	return map[string]any{"url": rawURL, "title": title, "text": text}, nil
}

func numeric(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
