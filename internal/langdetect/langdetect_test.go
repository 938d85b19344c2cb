package langdetect

import "testing"

func TestDetectEnglish(t *testing.T) {
	code := Detect("The quick brown fox jumps over the lazy dog near the river bank.")
	if code != "en" {
		t.Fatalf("expected en, got %q", code)
	}
}

func TestDetectIgnoresSocialTokens(t *testing.T) {
	code := Detect("@alice check this out https://example.com/x #golang this library makes writing servers pleasant")
	if code != "en" {
		t.Fatalf("expected en, got %q", code)
	}
}

func TestDetectTooShort(t *testing.T) {
	if code := Detect("ok"); code != "" {
		t.Fatalf("expected empty code for short text, got %q", code)
	}
	if code := Detect("   "); code != "" {
		t.Fatalf("expected empty code for blank text, got %q", code)
	}
	if code := Detect("https://example.com/only-a-link"); code != "" {
		t.Fatalf("expected empty code for link-only text, got %q", code)
	}
}
