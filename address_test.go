package courier

import (
	"testing"
)

func TestAddress_ParseAndString(t *testing.T) {
	a, err := NewIPv4Address("10.1.2.3", 7000)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Type() != HostTypeIPv4 {
		t.Fatalf("expected ipv4, got %s", a.Type())
	}
	if a.Port() != 7000 {
		t.Fatalf("expected port 7000, got %d", a.Port())
	}
	if a.String() != "10.1.2.3:7000" {
		t.Fatalf("unexpected string %q", a.String())
	}
}

func TestAddress_RejectsNonIPv4(t *testing.T) {
	if _, err := NewIPv4Address("::1", 7000); err == nil {
		t.Fatal("IPv6 literal must be rejected")
	}
}

func TestAddress_ZeroValueIsInvalid(t *testing.T) {
	var a Address
	if !a.IsInvalid() {
		t.Fatal("zero address must be invalid")
	}
	if a.String() != "invalid" {
		t.Fatalf("unexpected string %q", a.String())
	}
}

func TestAddress_Equality(t *testing.T) {
	a := MustIPv4("10.0.0.1", 7000)
	b := MustIPv4("10.0.0.1", 7000)
	c := MustIPv4("10.0.0.1", 7001)
	if !a.Equal(b) {
		t.Fatal("identical endpoints must compare equal")
	}
	if a.Equal(c) {
		t.Fatal("different ports must not compare equal")
	}

	g := NewGroup("g", false)
	if !NewGroupAddress(g).Equal(NewGroupAddress(g)) {
		t.Fatal("group addresses compare by handle")
	}
	if NewGroupAddress(g).Equal(NewGroupAddress(NewGroup("g", false))) {
		t.Fatal("distinct group handles must differ")
	}
}

func TestAddress_WireRoundTrip(t *testing.T) {
	a := MustIPv4("192.168.1.9", 34001)
	decoded, err := decodeAddress(encodeAddress(nil, a))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(a) {
		t.Fatalf("round trip mismatch: %s != %s", decoded, a)
	}
}

func TestAddress_DecodeShortPayload(t *testing.T) {
	if _, err := decodeAddress([]byte{1, 2, 3}); err == nil {
		t.Fatal("short payload must fail to decode")
	}
}
