package policy

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultTableGeneralUnauthenticated(t *testing.T) {
	p, ok := Default().Lookup(EndpointGeneral, RoleUnauthenticated)
	if !ok {
		t.Fatal("expected policy for general/unauthenticated")
	}
	if p.Unlimited || p.Quota != 3 || p.Window != 10*time.Second {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestDefaultTableAdminUnlimited(t *testing.T) {
	tbl := Default()
	for _, e := range Endpoints {
		p, ok := tbl.Lookup(e, RoleAdmin)
		if !ok || !p.Unlimited {
			t.Fatalf("expected admin unlimited on %s, got %+v ok=%v", e, p, ok)
		}
	}
}

func TestLookupUnknownRoleMisses(t *testing.T) {
	r, known := ParseRole("Guest")
	if known {
		t.Fatal("Guest should not be a known role")
	}
	if r != "Guest" {
		t.Fatalf("expected tag to be preserved, got %q", r)
	}
	if _, ok := Default().Lookup(EndpointChatbot, r); ok {
		t.Fatal("expected no policy for Guest")
	}
}

func TestParseRoleCaseInsensitive(t *testing.T) {
	r, ok := ParseRole(" Admin ")
	if !ok || r != RoleAdmin {
		t.Fatalf("got %q ok=%v", r, ok)
	}
}

func TestParseEndpoint(t *testing.T) {
	if e, ok := ParseEndpoint("TTS"); !ok || e != EndpointTTS {
		t.Fatalf("got %q ok=%v", e, ok)
	}
	if _, ok := ParseEndpoint("search"); ok {
		t.Fatal("search is a caller site, not an endpoint tag")
	}
}

func TestWithOverrides(t *testing.T) {
	base := Default()
	tbl, err := base.With(
		Override{Endpoint: "chatbot", Role: "user", Quota: 50, Window: "12 h"},
		Override{Endpoint: "tts", Role: "supporter", Unlimited: true},
		Override{Endpoint: "general", Role: "unauthenticated", Disabled: true},
	)
	if err != nil {
		t.Fatal(err)
	}

	if p, _ := tbl.Lookup(EndpointChatbot, RoleUser); p.Quota != 50 || p.Window != 12*time.Hour {
		t.Fatalf("override not applied: %+v", p)
	}
	if p, _ := tbl.Lookup(EndpointTTS, RoleSupporter); !p.Unlimited {
		t.Fatalf("expected unlimited, got %+v", p)
	}
	if _, ok := tbl.Lookup(EndpointGeneral, RoleUnauthenticated); ok {
		t.Fatal("expected entry removed")
	}

	// base untouched
	if p, _ := base.Lookup(EndpointChatbot, RoleUser); p.Quota != 25 {
		t.Fatalf("base table mutated: %+v", p)
	}
}

func TestWithRejectsBadOverrides(t *testing.T) {
	cases := []Override{
		{Endpoint: "nope", Role: "user", Quota: 1, Window: "1 s"},
		{Endpoint: "chatbot", Role: "guest", Quota: 1, Window: "1 s"},
		{Endpoint: "chatbot", Role: "user", Quota: 0, Window: "1 s"},
		{Endpoint: "chatbot", Role: "user", Quota: 1, Window: "soon"},
	}
	for _, o := range cases {
		if _, err := Default().With(o); !errors.Is(err, ErrInvalidOverride) {
			t.Fatalf("expected ErrInvalidOverride for %+v, got %v", o, err)
		}
	}
}

func TestEntriesOrder(t *testing.T) {
	entries := Default().Entries()
	if len(entries) != 12 {
		t.Fatalf("expected 12 entries, got %d", len(entries))
	}
	if entries[0].Endpoint != EndpointChatbot || entries[0].Role != RoleUnauthenticated {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if last := entries[len(entries)-1]; last.Endpoint != EndpointGeneral || last.Role != RoleAdmin {
		t.Fatalf("unexpected last entry: %+v", last)
	}
}

func TestParseWindow(t *testing.T) {
	cases := map[string]time.Duration{
		"10 s":     10 * time.Second,
		"1 d":      24 * time.Hour,
		"5m":       5 * time.Minute,
		"250 ms":   250 * time.Millisecond,
		"2 H":      2 * time.Hour,
		"106751 d": 106751 * 24 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseWindow(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}

	for _, bad := range []string{"", "s", "0 s", "10 weeks", "-1 s", "100000000000000 d", "106752 d", "9223372036854775807 ms"} {
		if _, err := ParseWindow(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestPolicyString(t *testing.T) {
	if got := Limit(3, 10*time.Second).String(); got != "3 / 10 s" {
		t.Fatalf("got %q", got)
	}
	if got := Limit(5, 24*time.Hour).String(); got != "5 / 1 d" {
		t.Fatalf("got %q", got)
	}
	if got := Unlimited.String(); got != "unlimited" {
		t.Fatalf("got %q", got)
	}
}
