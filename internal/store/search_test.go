package store

import (
	"reflect"
	"testing"
)

func TestSearchTerms(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{"lowercases and dedupes", "Deploy deploy DEPLOY now", 0, []string{"deploy", "now"}},
		{"drops short and stop words", "it is the plan for go", 0, []string{"plan"}},
		{"splits on punctuation", "rate-limit,redis_cluster", 0, []string{"rate", "limit", "redis", "cluster"}},
		{"caps terms", "alpha beta gamma delta", 2, []string{"alpha", "beta"}},
		{"keeps non-ascii letters", "café déjà", 0, []string{"café", "déjà"}},
		{"empty", "  !! ", 0, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SearchTerms(tt.text, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("SearchTerms(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseRef(t *testing.T) {
	ref, ok := parseRef("general:01HZX")
	if !ok || ref.Room != "general" || ref.MessageID != "01HZX" {
		t.Errorf("parseRef = %+v, %v", ref, ok)
	}
	if ref.member() != "general:01HZX" {
		t.Errorf("member = %q", ref.member())
	}
	for _, bad := range []string{"general", ":id", "room:"} {
		if _, ok := parseRef(bad); ok {
			t.Errorf("parseRef(%q) should fail", bad)
		}
	}
}
