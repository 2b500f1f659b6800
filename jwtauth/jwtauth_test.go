package jwtauth

import (
	"context"
	"testing"
	"time"
)

func TestNewRejectsIncompleteConfig(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, nil, "https://idp.example/jwks.json"); err == nil {
		t.Fatal("nil config must be rejected")
	}
	if _, err := New(ctx, &Config{ExpectedAudiences: []string{"a"}}, "https://idp.example/jwks.json"); err == nil {
		t.Fatal("missing issuer must be rejected")
	}
	if _, err := New(ctx, &Config{Issuer: "https://idp.example"}, "https://idp.example/jwks.json"); err == nil {
		t.Fatal("missing audiences must be rejected")
	}
	if _, err := New(ctx, &Config{Issuer: "https://idp.example", ExpectedAudiences: []string{"a"}}, ""); err == nil {
		t.Fatal("missing jwks uri must be rejected")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Fatalf("algs %v", cfg.AllowedAlgs)
	}
	if cfg.Leeway != 60*time.Second {
		t.Fatalf("leeway %s", cfg.Leeway)
	}
}

func TestAudIntersects(t *testing.T) {
	wants := []string{"api", "mcp"}

	cases := []struct {
		name string
		aud  any
		want bool
	}{
		{"string match", "mcp", true},
		{"string miss", "web", false},
		{"any slice match", []any{"web", "api"}, true},
		{"any slice miss", []any{"web"}, false},
		{"string slice match", []string{"mcp"}, true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := audIntersects(tc.aud, wants); got != tc.want {
			t.Fatalf("%s: got %v", tc.name, got)
		}
	}
}
