package greactor

import "testing"

func TestInetAddressToIPPort(t *testing.T) {
	a := NewInetAddress("192.168.1.7", 9000)
	if got := a.ToIPPort(); got != "192.168.1.7:9000" {
		t.Fatalf("ToIPPort = %q, want 192.168.1.7:9000", got)
	}
	if a.ToIP() != "192.168.1.7" || a.ToPort() != 9000 {
		t.Fatalf("unexpected accessors: ip=%q port=%d", a.ToIP(), a.ToPort())
	}
}

func TestInetAddressEmptyIPBindsAll(t *testing.T) {
	a := NewInetAddress("", 80)
	if a.ToIP() != "0.0.0.0" {
		t.Fatalf("ToIP = %q, want 0.0.0.0", a.ToIP())
	}
}

func TestLoopbackAddress(t *testing.T) {
	a := LoopbackAddress(6060)
	if a.ToIPPort() != "127.0.0.1:6060" {
		t.Fatalf("LoopbackAddress = %q, want 127.0.0.1:6060", a.ToIPPort())
	}
}

func TestInetAddressFromSockaddrRoundTrip(t *testing.T) {
	a := NewInetAddress("10.0.0.5", 443)
	sa := a.ToSockaddr()
	back, ok := FromSockaddr(sa)
	if !ok {
		t.Fatal("FromSockaddr rejected a SockaddrInet4")
	}
	if back.ToIPPort() != a.ToIPPort() {
		t.Fatalf("round trip = %q, want %q", back.ToIPPort(), a.ToIPPort())
	}
}

func TestInetAddressFromSockaddrRejectsNonInet4(t *testing.T) {
	if _, ok := FromSockaddr(nil); ok {
		t.Fatal("FromSockaddr accepted a nil sockaddr")
	}
}
