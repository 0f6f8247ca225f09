package source

import (
	"errors"
	"testing"
)

func TestNewSetNormalizesAndOrders(t *testing.T) {
	set, err := NewSet(
		Source{Name: " Dennis ", Key: " k1 "},
		Source{Name: "AURIA"},
		Source{Name: "mobil", Key: "k3"},
	)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	names := set.Names()
	want := []Name{"dennis", "auria", "mobil"}
	if len(names) != len(want) {
		t.Fatalf("expected %d names, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, names)
		}
	}
	if set.Key("dennis") != "k1" {
		t.Fatalf("expected trimmed key, got %q", set.Key("dennis"))
	}
	if set.Key("auria") != "" {
		t.Fatalf("expected empty key for auria")
	}
}

func TestNewSetRejectsInvalid(t *testing.T) {
	cases := map[string][]Source{
		"empty":     nil,
		"reserved":  {{Name: "brb"}},
		"idle":      {{Name: "IDLE"}},
		"duplicate": {{Name: "dennis"}, {Name: "Dennis"}},
		"blank":     {{Name: "  "}},
		"slash":     {{Name: "a/b"}},
	}
	for name, sources := range cases {
		if _, err := NewSet(sources...); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParse(t *testing.T) {
	set := MustSet(Source{Name: "dennis"}, Source{Name: "auria"})

	if got, err := set.Parse("BRB"); err != nil || got != Standby {
		t.Fatalf("expected standby, got %q err=%v", got, err)
	}
	if got, err := set.Parse("Auria"); err != nil || got != "auria" {
		t.Fatalf("expected auria, got %q err=%v", got, err)
	}
	if _, err := set.Parse("idle"); err == nil {
		t.Fatalf("expected idle to be rejected as a switch target")
	}
	if _, err := set.Parse("nope"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected unknown source error")
	}
}

func TestMatchKey(t *testing.T) {
	set := MustSet(Source{Name: "dennis", Key: "secret"}, Source{Name: "auria"})

	if name, ok := set.MatchKey("dennis", "secret"); !ok || name != "dennis" {
		t.Fatalf("expected match, got %q %v", name, ok)
	}
	if _, ok := set.MatchKey("dennis", "secre"); ok {
		t.Fatalf("expected key prefix to be rejected")
	}
	if _, ok := set.MatchKey("dennis", "wrong"); ok {
		t.Fatalf("expected mismatch")
	}
	if _, ok := set.MatchKey("auria", ""); ok {
		t.Fatalf("expected unconfigured key never to match")
	}
	if _, ok := set.MatchKey("mobil", "secret"); ok {
		t.Fatalf("expected unknown app to fail")
	}
}
