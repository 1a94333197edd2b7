package parley

import (
	"strings"
	"testing"
)

func TestNormalizeSender(t *testing.T) {
	cases := map[string]string{
		"claude":    "Claude",
		"  alice  ": "Alice",
		"ChatGPT":   "ChatGPT",
		"bob smith": "Bob Smith",
		"":          "",
		"   ":       "",
	}
	for in, want := range cases {
		if got := NormalizeSender(in); got != want {
			t.Errorf("NormalizeSender(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeContent(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello world", "hello world"},
		{"trims", "  hello  ", "hello"},
		{"script", "before<script>alert('x')</script>after", "beforeafter"},
		{"tags", "a <b>bold</b> claim", "a bold claim"},
		{"js scheme", "click javascript:run()", "click run()"},
		{"event attr", "x onclick= y", "x  y"},
		{"control chars", "a\x00b\x1fc", "abc"},
		{"keeps newline and tab", "a\nb\tc", "a\nb\tc"},
		{"all junk", "<script>only</script>", ""},
	}
	for _, tc := range cases {
		if got := SanitizeContent(tc.in); got != tc.want {
			t.Errorf("%s: SanitizeContent(%q) = %q, want %q", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestValidateAppend(t *testing.T) {
	sender, content, err := ValidateAppend("alice", "  hello  ", 0)
	if err != nil {
		t.Fatalf("ValidateAppend: %v", err)
	}
	if sender != "Alice" || content != "hello" {
		t.Errorf("got (%q, %q)", sender, content)
	}

	if _, _, err := ValidateAppend("", "hi", 0); !IsInvalidInput(err) {
		t.Errorf("empty sender: expected InputError, got %v", err)
	}
	if _, _, err := ValidateAppend("alice", "   ", 0); !IsInvalidInput(err) {
		t.Errorf("blank content: expected InputError, got %v", err)
	}
}

func TestValidateAppendLengthBoundary(t *testing.T) {
	max := 10
	exact := strings.Repeat("x", max)
	if _, _, err := ValidateAppend("a", exact, max); err != nil {
		t.Errorf("exact max length rejected: %v", err)
	}
	over := strings.Repeat("x", max+1)
	if _, _, err := ValidateAppend("a", over, max); !IsInvalidInput(err) {
		t.Errorf("over max length: expected InputError, got %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("hello")
	b := Fingerprint("hello")
	if a != b {
		t.Errorf("fingerprint not stable: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Errorf("fingerprint length = %d, want 8", len(a))
	}
	if Fingerprint("other") == a {
		t.Error("distinct contents share a fingerprint")
	}
}

func TestMaskCredentials(t *testing.T) {
	in := "auth failed for sk-ant-REDACTED and sk-ABCDEFGHIJKLMNOPQRSTUV"
	out := MaskCredentials(in)
	if strings.Contains(out, "sk-ant-") || strings.Contains(out, "sk-ABCDEF") {
		t.Errorf("credentials leaked: %q", out)
	}
	if !strings.Contains(out, "[redacted]") {
		t.Errorf("no redaction marker: %q", out)
	}
}
