package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		scheme Scheme
		host   string
		port   int
	}{
		{name: "bare ipv4", in: "127.0.0.1:8080", scheme: SchemeNone, host: "127.0.0.1", port: 8080},
		{name: "tcp scheme", in: "tcp://127.0.0.1:8080", scheme: SchemeTCP, host: "127.0.0.1", port: 8080},
		{name: "tls scheme", in: "tls://example.com:443", scheme: SchemeTLS, host: "example.com", port: 443},
		{name: "bracketed ipv6", in: "tcp://[::1]:9000", scheme: SchemeTCP, host: "::1", port: 9000},
		{name: "wildcard host", in: "tcp://:0", scheme: SchemeTCP, host: "", port: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := ParseEndpoint(tt.in)
			require.NoError(t, err)

			assert.Equal(t, tt.scheme, e.Scheme)
			assert.Equal(t, tt.host, e.Host)
			assert.Equal(t, tt.port, e.Port)
		})
	}
}

func TestParseEndpoint_Invalid(t *testing.T) {
	tests := []string{
		"",
		"tcp://",
		"127.0.0.1:notaport",
		"127.0.0.1:99999",
		"127.0.0.1:-1",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			_, err := ParseEndpoint(in)
			assert.Error(t, err)
		})
	}
}

func TestEndpoint_IsTLS(t *testing.T) {
	tls, err := ParseEndpoint("tls://example.com:443")
	require.NoError(t, err)
	assert.True(t, tls.IsTLS())

	tcp, err := ParseEndpoint("tcp://example.com:443")
	require.NoError(t, err)
	assert.False(t, tcp.IsTLS())
}

func TestEndpoint_StringRoundTrips(t *testing.T) {
	tests := []string{
		"tcp://127.0.0.1:8080",
		"tls://example.com:443",
		"tcp://[::1]:9000",
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			e, err := ParseEndpoint(in)
			require.NoError(t, err)

			again, err := ParseEndpoint(e.String())
			require.NoError(t, err)

			assert.Equal(t, e, again)
		})
	}
}

func TestParseFromIPPort(t *testing.T) {
	ip, port, err := ParseFromIPPort("192.168.1.1:53")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", ip)
	assert.Equal(t, 53, port)

	ip, port, err = ParseFromIPPort("[2001:db8::1]:53")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", ip)
	assert.Equal(t, 53, port)
}

func TestToIPPort(t *testing.T) {
	assert.Equal(t, "192.168.1.1:53", ToIPPort("192.168.1.1", 53))
	assert.Equal(t, "[2001:db8::1]:53", ToIPPort("2001:db8::1", 53))
}

func TestSockaddr_RejectsHostnames(t *testing.T) {
	_, _, err := sockaddr("example.com", 80)
	assert.ErrorIs(t, err, ErrInvalidAddr)
}

func TestResolveFamily(t *testing.T) {
	assert.Equal(t, unix.AF_INET, resolveFamily("127.0.0.1"))
	assert.Equal(t, unix.AF_INET6, resolveFamily("::1"))
	assert.Equal(t, unix.AF_INET, resolveFamily("example.com"))
}
