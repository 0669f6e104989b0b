package backend

import "testing"

func TestResolveKnownModels(t *testing.T) {
	cases := []struct {
		name    string
		kind    string
		backend string
		free    bool
	}{
		{"flux", KindImage, "pool", true},
		{"turbo", KindImage, "pool", true},
		{"openai", KindText, "openai", false},
		{"claude", KindText, "anthropic", false},
		{"gemini", KindText, "gemini", false},
		{"openai-fast", KindText, "openai-fast", true},
	}
	for _, c := range cases {
		spec, ok := Resolve(c.name)
		if !ok {
			t.Errorf("Resolve(%q) not found", c.name)
			continue
		}
		if spec.Kind != c.kind || spec.Backend != c.backend || spec.Free != c.free {
			t.Errorf("Resolve(%q) = %+v", c.name, spec)
		}
	}
}

func TestResolveAliases(t *testing.T) {
	cases := map[string]string{
		"gpt":       "openai",
		"anthropic": "claude",
		"google":    "gemini",
		"image":     "flux",
	}
	for alias, want := range cases {
		spec, ok := Resolve(alias)
		if !ok {
			t.Errorf("Resolve(%q) not found", alias)
			continue
		}
		if spec.Name != want {
			t.Errorf("Resolve(%q).Name = %q, want %q", alias, spec.Name, want)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, ok := Resolve("no-such-model"); ok {
		t.Fatal("unknown model must not resolve")
	}
}

func TestPaidModelsHaveEventNames(t *testing.T) {
	for name, spec := range Models {
		if spec.Free && spec.EventName != "" {
			t.Errorf("%s: free model must not have an event name", name)
		}
		if !spec.Free && spec.EventName == "" {
			t.Errorf("%s: paid model must have an event name", name)
		}
	}
}

func TestFallbacksResolve(t *testing.T) {
	for name, spec := range Models {
		if spec.Fallback == "" {
			continue
		}
		found := spec.Fallback == "pool"
		for _, other := range Models {
			if other.Backend == spec.Fallback {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s: fallback %q is not a known backend", name, spec.Fallback)
		}
	}
}
