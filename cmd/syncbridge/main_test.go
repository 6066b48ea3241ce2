package main

import (
	"os"
	"testing"
	"time"
)

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SYNCBRIDGE_TEST_DURATION", "150ms")
	got := durationEnv("SYNCBRIDGE_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SYNCBRIDGE_TEST_DURATION_BAD", "soon")
	got := durationEnv("SYNCBRIDGE_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvOrDefaultTrimsAndFallsBack(t *testing.T) {
	t.Setenv("SYNCBRIDGE_TEST_URL", "  http://sync.internal:9000 ")
	if got := envOrDefault("SYNCBRIDGE_TEST_URL", "x"); got != "http://sync.internal:9000" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	_ = os.Unsetenv("SYNCBRIDGE_TEST_URL_UNSET")
	if got := envOrDefault("SYNCBRIDGE_TEST_URL_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@db:5432/sync?sslmode=disable": "postgres://***@db:5432/sync?sslmode=disable",
		"postgres://db:5432/sync":                          "postgres://db:5432/sync",
		"memory://":                                        "memory://",
		"./state.json":                                     "./state.json",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPostgresDSN(t *testing.T) {
	if !isPostgresDSN(" POSTGRES://db/sync") || !isPostgresDSN("postgresql://db/sync") {
		t.Fatalf("expected postgres dsns to be recognised")
	}
	if isPostgresDSN("file://state.json") || isPostgresDSN("") {
		t.Fatalf("expected non-postgres dsns to be rejected")
	}
}
