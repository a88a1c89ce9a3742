package reactor

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"

	"github.com/AdguardTeam/golibs/netutil"
	"golang.org/x/sys/unix"
)

// Scheme is the URI-like scheme prefix of an endpoint string.
type Scheme string

// Supported endpoint schemes. See the endpoint grammar in the
// specification's external interfaces section.
const (
	SchemeNone Scheme = ""
	SchemeTCP  Scheme = "tcp"
	SchemeTLS  Scheme = "tls"
)

// Endpoint is a parsed `scheme://host:port` (or bare `host:port`) address.
type Endpoint struct {
	Host   string
	Scheme Scheme
	Port   int
}

// String renders e back into its canonical `scheme://[host]:port` form.
// Implements the round-trip property
// ParseEndpoint(String(ParseEndpoint(s))) == ParseEndpoint(s).
func (e Endpoint) String() (s string) {
	host := e.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}

	hp := net.JoinHostPort(strings.Trim(host, "[]"), strconv.Itoa(e.Port))
	if strings.Contains(host, ":") {
		hp = host + ":" + strconv.Itoa(e.Port)
	}

	if e.Scheme == SchemeNone {
		return hp
	}

	return string(e.Scheme) + "://" + hp
}

// IsTLS reports whether e uses the "tls://" scheme.
func (e Endpoint) IsTLS() (ok bool) { return e.Scheme == SchemeTLS }

// ParseEndpoint parses a host-port specification matching the grammar:
//
//	endpoint  := scheme? host-port
//	scheme    := "tcp://" | "tls://"
//	host-port := host ":" port | "[" ipv6 "]" ":" port
//
// A trailing-only bracket, as in "fe80::1]:80", is tolerated (it is stripped
// rather than rejected), matching original_source's fromIpPort leniency.
func ParseEndpoint(s string) (e Endpoint, err error) {
	scheme := SchemeNone
	rest := s

	switch {
	case strings.HasPrefix(s, "tcp://"):
		scheme, rest = SchemeTCP, s[len("tcp://"):]
	case strings.HasPrefix(s, "tls://"):
		scheme, rest = SchemeTLS, s[len("tls://"):]
	}

	rest = strings.TrimSuffix(rest, "]")
	if !strings.HasPrefix(rest, "[") && strings.Contains(rest, "]:") {
		rest = "[" + rest
	}

	host, portStr, err := netutil.SplitHostPort(rest)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddr, s, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidAddr, s, portStr)
	}

	return Endpoint{Scheme: scheme, Host: host, Port: port}, nil
}

// ParseFromIPPort parses a plain "ip:port" or "[ip6]:port" string, with no
// scheme, into its host and port parts. This is the Go analogue of
// original_source's Sockets::fromIpPort.
func ParseFromIPPort(s string) (ip string, port int, err error) {
	e, err := ParseEndpoint(s)
	if err != nil {
		return "", 0, err
	}

	return e.Host, e.Port, nil
}

// ToIPPort renders ip and port back into "ip:port" or "[ip6]:port" form, the
// inverse of [ParseFromIPPort].
func ToIPPort(ip string, port int) (s string) {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

// newNonblockingSocket creates a non-blocking, close-on-exec TCP socket for
// the given address family (unix.AF_INET or unix.AF_INET6).
func newNonblockingSocket(family int) (fd int, err error) {
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	return fd, nil
}

// setReuseAddrPort enables SO_REUSEADDR and SO_REUSEPORT on fd, matching the
// teacher's listen_reuseport.go control function.
func setReuseAddrPort(fd int) (err error) {
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEPORT: %w", err)
	}

	return nil
}

// setTCPNoDelay disables Nagle's algorithm on fd.
func setTCPNoDelay(fd int) (err error) {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

// setKeepAlive enables TCP keepalive on fd with the given idle seconds.
func setKeepAlive(fd int, idleSeconds int) (err error) {
	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("setsockopt SO_KEEPALIVE: %w", err)
	}

	if idleSeconds <= 0 {
		return nil
	}

	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, idleSeconds)
}

// socketError reads and clears SO_ERROR on fd, used after a non-blocking
// connect() becomes writable to determine success or failure.
func socketError(fd int) (err error) {
	errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}

	if errno == 0 {
		return nil
	}

	return syscall.Errno(errno)
}

// resolveFamily parses host as an IPv4 or IPv6 literal and returns the
// matching address family. It returns unix.AF_INET for hostnames that are
// not IP literals; callers are expected to have already resolved such names
// via [Resolver].
func resolveFamily(host string) (family int) {
	ip := netutil.ParseIP(host)
	if ip != nil && ip.To4() == nil {
		return unix.AF_INET6
	}

	return unix.AF_INET
}

// sockaddr builds a unix.Sockaddr for the given host:port, resolving literal
// IPv4/IPv6 addresses only (no DNS).
func sockaddr(host string, port int) (sa unix.Sockaddr, family int, err error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("%w: %q is not an ip literal", ErrInvalidAddr, host)
	}

	if v4 := ip.To4(); v4 != nil {
		var addr [4]byte
		copy(addr[:], v4)

		return &unix.SockaddrInet4{Port: port, Addr: addr}, unix.AF_INET, nil
	}

	v6 := ip.To16()
	var addr [16]byte
	copy(addr[:], v6)

	return &unix.SockaddrInet6{Port: port, Addr: addr}, unix.AF_INET6, nil
}

// localAddr returns the local "ip:port" of fd, used by Acceptor and
// Connector to surface the real address after a wildcard bind/connect.
func localAddr(fd int) (s string, err error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("getsockname: %w", err)
	}

	return sockaddrToIPPort(sa), nil
}

// peerAddr returns the remote "ip:port" of fd.
func peerAddr(fd int) (s string, err error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("getpeername: %w", err)
	}

	return sockaddrToIPPort(sa), nil
}

// sockaddrToIPPort renders a unix.Sockaddr as "ip:port"/"[ip6]:port".
func sockaddrToIPPort(sa unix.Sockaddr) (s string) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return ToIPPort(net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return ToIPPort(net.IP(a.Addr[:]).String(), a.Port)
	default:
		return ""
	}
}
