package main

import (
	"testing"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("REELGATE_TEST_SET", "custom-value")
	if got := getEnv("REELGATE_TEST_SET", "fallback"); got != "custom-value" {
		t.Errorf("expected custom-value, got %q", got)
	}

	if got := getEnv("REELGATE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for unset var, got %q", got)
	}

	t.Setenv("REELGATE_TEST_EMPTY", "")
	if got := getEnv("REELGATE_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Errorf("expected fallback for empty var, got %q", got)
	}
}
