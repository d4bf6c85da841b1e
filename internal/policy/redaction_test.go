package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestForLogTruncates(t *testing.T) {
	out := ForLog("send it to sam@example.com please, thanks a lot", 20)
	if !strings.HasPrefix(out, "send it to [REDACTED") {
		t.Fatalf("ForLog() = %q, want redacted prefix", out)
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatalf("ForLog() = %q, want truncation suffix", out)
	}
	if got := ForLog("short", 20); got != "short" {
		t.Fatalf("ForLog(short) = %q, want %q", got, "short")
	}
}
