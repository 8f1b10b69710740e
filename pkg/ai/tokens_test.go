package ai

import (
	"strings"
	"testing"
)

func TestCountTokens(t *testing.T) {
	if got := CountTokens(""); got != 0 {
		t.Fatalf("CountTokens(\"\") = %d, want 0", got)
	}

	short := CountTokens("water main break")
	long := CountTokens(strings.Repeat("water main break reported on Fifth Street ", 50))
	if long <= short {
		t.Fatalf("CountTokens() longer text not larger: short=%d long=%d", short, long)
	}
}

func TestTrimToTokens(t *testing.T) {
	if got := TrimToTokens("anything", 0); got != "" {
		t.Fatalf("TrimToTokens(_, 0) = %q, want empty", got)
	}
	if got := TrimToTokens("anything", -1); got != "" {
		t.Fatalf("TrimToTokens(_, -1) = %q, want empty", got)
	}

	text := "short text"
	if got := TrimToTokens(text, 1000); got != text {
		t.Fatalf("TrimToTokens() modified text under the limit: %q", got)
	}

	long := strings.Repeat("community resource fair at the library on Saturday ", 100)
	trimmed := TrimToTokens(long, 20)
	if len(trimmed) >= len(long) {
		t.Fatalf("TrimToTokens() did not shrink input: %d >= %d", len(trimmed), len(long))
	}
	if CountTokens(trimmed) > 20+1 {
		t.Fatalf("TrimToTokens() result over budget: %d tokens", CountTokens(trimmed))
	}
}
