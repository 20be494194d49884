package router

import (
	"testing"

	"github.com/af-corp/aiproxy/internal/config"
	"github.com/af-corp/aiproxy/internal/proxyerr"
)

func TestRoutingTable_Route(t *testing.T) {
	table := mustTable(t, "openai",
		config.RouteRule{Pattern: "^claude-", Provider: "anthropic"},
		config.RouteRule{Pattern: "^claude-3-opus$", Provider: "never"},
		config.RouteRule{Pattern: "llama", Provider: "openrouter"},
	)

	tests := []struct {
		model string
		want  string
	}{
		{"claude-3-opus", "anthropic"},
		{"meta/llama-3", "openrouter"},
		{"gpt-4o", "openai"},
		{"Claude-3", "openai"},
		{"", "openai"},
	}
	for _, tt := range tests {
		got, err := table.Route(tt.model)
		if err != nil {
			t.Errorf("Route(%q) error: %v", tt.model, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Route(%q) = %s, want %s", tt.model, got, tt.want)
		}
	}
}

func TestRoutingTable_NoDefault(t *testing.T) {
	table := mustTable(t, "", config.RouteRule{Pattern: "^gpt-", Provider: "openai"})

	if got, err := table.Route("gpt-4o"); err != nil || got != "openai" {
		t.Errorf("Route(gpt-4o) = %s, %v", got, err)
	}
	_, err := table.Route("mistral")
	if proxyerr.KindOf(err) != proxyerr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRoutingTable_PatternsAreNotAnchored(t *testing.T) {
	table := mustTable(t, "", config.RouteRule{Pattern: "gpt", Provider: "openai"})
	if got, err := table.Route("my-gpt-clone"); err != nil || got != "openai" {
		t.Errorf("Route = %s, %v", got, err)
	}
}

func TestNewRoutingTable_InvalidPattern(t *testing.T) {
	_, err := NewRoutingTable([]config.RouteRule{{Pattern: "gpt-(", Provider: "openai"}}, "openai")
	if proxyerr.KindOf(err) != proxyerr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestRoutingTable_Routes(t *testing.T) {
	table := mustTable(t, "null", config.RouteRule{Pattern: "^a", Provider: "x"})
	routes := table.Routes()
	if len(routes) != 1 || routes[0].Pattern.String() != "^a" || table.Default() != "null" {
		t.Errorf("routes = %+v default = %s", routes, table.Default())
	}
}
