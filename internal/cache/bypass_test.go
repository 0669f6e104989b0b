package cache

import "testing"

func TestBypassExactMatch(t *testing.T) {
	bl, err := NewBypassList([]string{"flux", "turbo"}, nil)
	if err != nil {
		t.Fatalf("NewBypassList: %v", err)
	}

	if !bl.Matches("flux") {
		t.Error("flux should match exactly")
	}
	if bl.Matches("flux-pro") {
		t.Error("flux-pro should not match an exact rule for flux")
	}
}

func TestBypassRegexMatch(t *testing.T) {
	bl, err := NewBypassList(nil, []string{`^gpt-4.*`, `-preview$`})
	if err != nil {
		t.Fatalf("NewBypassList: %v", err)
	}

	for _, m := range []string{"gpt-4o", "gpt-4-turbo", "o1-preview"} {
		if !bl.Matches(m) {
			t.Errorf("%s should match a pattern", m)
		}
	}
	if bl.Matches("claude") {
		t.Error("claude should not match any pattern")
	}
}

func TestBypassInvalidPattern(t *testing.T) {
	if _, err := NewBypassList(nil, []string{"("}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestBypassNilSafe(t *testing.T) {
	var bl *BypassList
	if bl.Matches("anything") {
		t.Error("nil list must never match")
	}
	if bl.Len() != 0 {
		t.Error("nil list has zero rules")
	}
}

func TestBypassEmptyRulesIgnored(t *testing.T) {
	bl, err := NewBypassList([]string{""}, []string{""})
	if err != nil {
		t.Fatalf("NewBypassList: %v", err)
	}
	if bl.Len() != 0 {
		t.Fatalf("Len = %d, want 0", bl.Len())
	}
}
