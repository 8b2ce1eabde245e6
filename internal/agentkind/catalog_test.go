package agentkind

import "testing"

func TestInfoForBuiltin(t *testing.T) {
	info, ok := InfoFor("architect")
	if !ok {
		t.Fatalf("InfoFor(architect) not found")
	}
	if info.DefaultModel != "opus" {
		t.Fatalf("DefaultModel = %q, want opus", info.DefaultModel)
	}
}

func TestInfoForIsCaseInsensitive(t *testing.T) {
	info, ok := InfoFor("  Guardian ")
	if !ok {
		t.Fatalf("InfoFor(Guardian) not found")
	}
	if info.Name != "guardian" {
		t.Fatalf("Name = %q, want guardian", info.Name)
	}
}

func TestInfoForUnknownKind(t *testing.T) {
	if _, ok := InfoFor("custom:security-audit"); ok {
		t.Fatalf("InfoFor should not resolve custom kinds")
	}
	if _, ok := InfoFor("nonsense"); ok {
		t.Fatalf("InfoFor(nonsense) unexpectedly found")
	}
}

func TestNamesReturnsFiveBuiltins(t *testing.T) {
	names := Names()
	if len(names) != 5 {
		t.Fatalf("got %d names, want 5: %v", len(names), names)
	}
	want := []string{"architect", "explorer", "guardian", "implementer", "specialist"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("names[%d] = %q, want %q (got %v)", i, names[i], n, names)
		}
	}
}

func TestCustomKindRoundTrip(t *testing.T) {
	kind := Custom("security-audit")
	if kind != "custom:security-audit" {
		t.Fatalf("Custom() = %q", kind)
	}
	if !IsCustom(kind) {
		t.Fatalf("IsCustom(%q) = false", kind)
	}
	if CustomName(kind) != "security-audit" {
		t.Fatalf("CustomName(%q) = %q", kind, CustomName(kind))
	}
}

func TestValid(t *testing.T) {
	cases := []struct {
		kind string
		want bool
	}{
		{"architect", true},
		{"custom:security-audit", true},
		{"custom:", false},
		{"nonsense", false},
	}
	for _, c := range cases {
		if got := Valid(c.kind); got != c.want {
			t.Fatalf("Valid(%q) = %v, want %v", c.kind, got, c.want)
		}
	}
}
