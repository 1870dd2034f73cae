package netx

import (
	"net/netip"
	"testing"
)

func TestCIDRSetContains(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8", "127.0.0.1", "  ", "fd00::/8"})
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 3 {
		t.Fatalf("len=%d", set.Len())
	}
	cases := map[string]bool{
		"10.1.2.3":         true,
		"127.0.0.1":        true,
		"::ffff:127.0.0.1": true,
		"fd00::1":          true,
		"192.168.1.1":      false,
		"127.0.0.2":        false,
	}
	for ip, want := range cases {
		if got := set.Contains(netip.MustParseAddr(ip)); got != want {
			t.Fatalf("Contains(%s)=%v, want %v", ip, got, want)
		}
	}
}

func TestParseCIDRSetRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"10.0.0.0/33", "not-an-ip", "1.2.3"} {
		if _, err := ParseCIDRSet([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.9:4411": "203.0.113.9",
		"[2001:db8::1]:80": "2001:db8::1",
		"198.51.100.7":     "198.51.100.7",
	}
	for in, want := range cases {
		ip, ok := RemoteIP(in)
		if !ok || ip.String() != want {
			t.Fatalf("RemoteIP(%q)=%v,%v", in, ip, ok)
		}
	}
	if _, ok := RemoteIP("@"); ok {
		t.Fatal("expected failure")
	}
}

func TestFirstForwarded(t *testing.T) {
	ip, ok := FirstForwarded(" 203.0.113.9 , 10.1.2.3")
	if !ok || ip.String() != "203.0.113.9" {
		t.Fatalf("got %v %v", ip, ok)
	}
	if _, ok := FirstForwarded("unknown, 10.1.2.3"); ok {
		t.Fatal("expected failure for non-ip entry")
	}
}
