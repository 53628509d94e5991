package builtin

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dshills/lodestar/internal/extension"
	"github.com/dshills/lodestar/internal/query"
)

// WebSearchID is the plugin id of the web search plugin.
const WebSearchID = "websearch"

// SearchEngine builds search URLs. URL contains one %s for the escaped
// search terms.
type SearchEngine struct {
	ID      string
	Name    string
	Keyword string
	URL     string
}

// SearchURL returns the URL searching terms.
func (e SearchEngine) SearchURL(terms string) string {
	return fmt.Sprintf(e.URL, url.QueryEscape(terms))
}

// DefaultSearchEngines are the engines offered out of the box.
var DefaultSearchEngines = []SearchEngine{
	{ID: "google", Name: "Google", Keyword: "g", URL: "https://www.google.com/search?q=%s"},
	{ID: "duckduckgo", Name: "DuckDuckGo", Keyword: "ddg", URL: "https://duckduckgo.com/?q=%s"},
	{ID: "wikipedia", Name: "Wikipedia", Keyword: "wp", URL: "https://en.wikipedia.org/w/index.php?search=%s"},
}

// WebSearchDefinition returns the web search plugin.
func WebSearchDefinition() Definition {
	return Definition{
		Metadata: metadata(WebSearchID, "Web search", "Search the web"),
		New: func(env *Env) (any, error) {
			return NewWebSearch(env, DefaultSearchEngines), nil
		},
	}
}

// WebSearch answers "gg <terms>" queries and offers searches as fallbacks.
// "gg <keyword> <terms>" restricts the query to one engine.
type WebSearch struct {
	extension.Base
	env     *Env
	engines []SearchEngine
}

var (
	_ query.TriggerHandler  = (*WebSearch)(nil)
	_ query.FallbackHandler = (*WebSearch)(nil)
)

// NewWebSearch creates the plugin for engines.
func NewWebSearch(env *Env, engines []SearchEngine) *WebSearch {
	return &WebSearch{
		Base:    extension.NewBase(WebSearchID, "Web search", "Search the web"),
		env:     env,
		engines: engines,
	}
}

// DefaultTrigger implements query.TriggerHandler.
func (*WebSearch) DefaultTrigger() string { return "gg " }

// AllowTriggerRemap implements query.TriggerHandler.
func (*WebSearch) AllowTriggerRemap() bool { return true }

// SupportsFuzzyMatching implements query.TriggerHandler.
func (*WebSearch) SupportsFuzzyMatching() bool { return false }

// SetFuzzyMatching implements query.TriggerHandler.
func (*WebSearch) SetFuzzyMatching(bool) {}

// SetTrigger implements query.TriggerHandler.
func (*WebSearch) SetTrigger(string) {}

// HandleTriggerQuery implements query.TriggerHandler.
func (w *WebSearch) HandleTriggerQuery(_ context.Context, q *query.Query) error {
	terms := strings.TrimSpace(q.String())
	engines := w.engines
	if kw, rest, ok := strings.Cut(terms, " "); ok {
		for _, e := range w.engines {
			if e.Keyword == kw {
				engines = []SearchEngine{e}
				terms = strings.TrimSpace(rest)
				break
			}
		}
	}
	if terms == "" {
		for _, e := range engines {
			q.Add(&query.StandardItem{
				ItemID:     e.ID,
				Title:      e.Name,
				Sub:        fmt.Sprintf("Type %q followed by the search terms", e.Keyword),
				Completion: e.Keyword + " ",
			})
		}
		return nil
	}
	for _, e := range engines {
		q.Add(w.item(e, terms))
	}
	return nil
}

// Fallbacks implements query.FallbackHandler.
func (w *WebSearch) Fallbacks(s string) []query.Item {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	items := make([]query.Item, 0, len(w.engines))
	for _, e := range w.engines {
		items = append(items, w.item(e, s))
	}
	return items
}

func (w *WebSearch) item(e SearchEngine, terms string) query.Item {
	target := e.SearchURL(terms)
	return &query.StandardItem{
		ItemID: e.ID,
		Title:  fmt.Sprintf("Search %s for %q", e.Name, terms),
		Sub:    target,
		ItemActions: []query.Action{
			{ID: "open", Text: "Open in browser", Run: func() error { return w.env.open(target) }},
			{ID: "copy-url", Text: "Copy URL to clipboard", Run: func() error { return w.env.copy(target) }},
		},
	}
}
