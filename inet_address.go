package greactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// InetAddress is a plain IPv4 endpoint, wrapping the raw sockaddr forms
// that the socket and acceptor layers traffic in.
type InetAddress struct {
	ip   net.IP
	port uint16
}

// NewInetAddress builds an address from an IPv4 dotted-quad string and a
// port. An empty ip binds to all interfaces (0.0.0.0).
func NewInetAddress(ip string, port uint16) InetAddress {
	var parsed net.IP
	if ip != "" {
		parsed = net.ParseIP(ip).To4()
	}
	return InetAddress{ip: parsed, port: port}
}

// LoopbackAddress returns an address bound to 127.0.0.1:port, reachable
// only from the local host.
func LoopbackAddress(port uint16) InetAddress {
	return NewInetAddress("127.0.0.1", port)
}

// FromSockaddr converts a raw unix.Sockaddr (as returned by accept/getsockname)
// into an InetAddress. Only AF_INET is supported; anything else returns
// the zero value and ok=false.
func FromSockaddr(sa unix.Sockaddr) (InetAddress, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return InetAddress{}, false
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return InetAddress{ip: ip, port: uint16(sa4.Port)}, true
}

// ToSockaddr renders the address as a raw unix.SockaddrInet4 suitable for
// bind/connect.
func (a InetAddress) ToSockaddr() *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(a.port)}
	if a.ip != nil {
		copy(sa.Addr[:], a.ip.To4())
	}
	return sa
}

// ToIP returns the dotted-quad IP, or "0.0.0.0" when unset.
func (a InetAddress) ToIP() string {
	if a.ip == nil {
		return "0.0.0.0"
	}
	return a.ip.String()
}

// ToPort returns the port in host byte order.
func (a InetAddress) ToPort() uint16 { return a.port }

// ToIPPort renders "ip:port", the form used in connection names and logs.
func (a InetAddress) ToIPPort() string {
	return fmt.Sprintf("%s:%d", a.ToIP(), a.port)
}

func (a InetAddress) String() string { return a.ToIPPort() }
