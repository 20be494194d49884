// Package router maps model names to provider adapters.
package router

import (
	"regexp"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/proxyerr"
)

// Route sends models matching Pattern to Provider.
type Route struct {
	Pattern  *regexp.Regexp
	Provider string
}

// RoutingTable is an ordered list of routes plus a default provider. It is
// immutable once built.
type RoutingTable struct {
	routes   []Route
	fallback string
}

// NewRoutingTable compiles rules in order. Patterns are used exactly as
// written; operators anchor them with ^ and $ when needed.
func NewRoutingTable(rules []config.RouteRule, defaultProvider string) (*RoutingTable, error) {
	t := &RoutingTable{routes: make([]Route, 0, len(rules)), fallback: defaultProvider}
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, proxyerr.Validation("routing rule %d: invalid pattern %q: %v", i, r.Pattern, err).
				WithDetail("pattern", r.Pattern)
		}
		t.routes = append(t.routes, Route{Pattern: re, Provider: r.Provider})
	}
	return t, nil
}

// Route returns the provider of the first rule matching model, falling back
// to the default. With no match and no default it fails with a validation
// error.
func (t *RoutingTable) Route(model string) (string, error) {
	for _, r := range t.routes {
		if r.Pattern.MatchString(model) {
			return r.Provider, nil
		}
	}
	if t.fallback != "" {
		return t.fallback, nil
	}
	return "", proxyerr.Validation("no route for model %q", model).WithDetail("model", model)
}

func (t *RoutingTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

func (t *RoutingTable) Default() string { return t.fallback }
