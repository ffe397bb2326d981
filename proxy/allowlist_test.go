package proxy

import "testing"

func TestAllowlist_ExactHostAndPath(t *testing.T) {
	a := NewAllowlist([]string{"api.example.com/v1/chat"})

	if _, err := a.Allowed("https://api.example.com/v1/chat"); err != nil {
		t.Errorf("expected exact match to be allowed: %v", err)
	}
	if _, err := a.Allowed("https://api.example.com/v1/other"); err == nil {
		t.Error("expected non-matching path to be rejected")
	}
}

func TestAllowlist_WildcardSegment(t *testing.T) {
	a := NewAllowlist([]string{"api.example.com/v1/*/chat"})

	if _, err := a.Allowed("https://api.example.com/v1/models/chat"); err != nil {
		t.Errorf("expected single wildcard segment to match: %v", err)
	}
	if _, err := a.Allowed("https://api.example.com/v1/a/b/chat"); err == nil {
		t.Error("single wildcard should not match multiple segments")
	}
}

func TestAllowlist_DoubleWildcardMatchesAnyDepth(t *testing.T) {
	a := NewAllowlist([]string{"api.example.com/v1/**"})

	if _, err := a.Allowed("https://api.example.com/v1/chat/completions"); err != nil {
		t.Errorf("expected ** to match nested path: %v", err)
	}
	if _, err := a.Allowed("https://api.example.com/v1"); err != nil {
		t.Errorf("expected ** to match zero extra segments: %v", err)
	}
}

func TestAllowlist_RejectsSuffixSpoofedHost(t *testing.T) {
	a := NewAllowlist([]string{"api.openai.com/**"})

	if _, err := a.Allowed("https://api.openai.com.evil.com/v1/chat"); err == nil {
		t.Error("expected suffix-spoofed host to be rejected")
	}
}

func TestAllowlist_RejectsNonHTTPScheme(t *testing.T) {
	a := NewAllowlist([]string{"api.example.com/**"})

	if _, err := a.Allowed("ftp://api.example.com/v1/chat"); err == nil {
		t.Error("expected non-http(s) scheme to be rejected")
	}
}

func TestAllowlist_RejectsRelativeURL(t *testing.T) {
	a := NewAllowlist([]string{"api.example.com/**"})

	if _, err := a.Allowed("/v1/chat"); err == nil {
		t.Error("expected relative URL (no host) to be rejected")
	}
}
