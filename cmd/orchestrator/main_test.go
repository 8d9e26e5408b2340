package main

import (
	"strings"
	"testing"
)

const mainTestPrefix = "cmd/orchestrator:main_test"

func TestUsage_ContainsCommands(t *testing.T) {
	required := []string{"serve", "migrate", "ensure-db", "clear", "purge", "DATABASE_URL", "KV_BACKEND"}
	for _, word := range required {
		if !strings.Contains(usage, word) {
			t.Errorf("%s - usage should contain %q", mainTestPrefix, word)
		}
	}
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(map[string]bool{"kv_entries": true, "domain_events": false})
	want := "domain_events    missing\nkv_entries       applied\n"
	if got != want {
		t.Errorf("%s - formatStatus = %q, want %q", mainTestPrefix, got, want)
	}
}

func TestWithDatabase(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"replaces name", "postgres://u:p@localhost:5432/app", "postgres://u:p@localhost:5432/orchestration_test"},
		{"keeps query", "postgres://u@db/app?sslmode=disable", "postgres://u@db/orchestration_test?sslmode=disable"},
		{"adds name", "postgres://u@db", "postgres://u@db/orchestration_test"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := withDatabase(tt.in, "orchestration_test")
			if err != nil {
				t.Fatalf("%s - withDatabase failed: %v", mainTestPrefix, err)
			}
			if got != tt.want {
				t.Errorf("%s - withDatabase = %q, want %q", mainTestPrefix, got, tt.want)
			}
		})
	}

	if _, err := withDatabase("://bad", "x"); err == nil {
		t.Errorf("%s - expected error for unparsable URL", mainTestPrefix)
	}
}
