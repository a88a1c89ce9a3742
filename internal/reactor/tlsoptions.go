package reactor

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"

	"github.com/AdguardTeam/golibs/errors"
)

// TLSProtocol is one bit of the protocol version bitset accepted by
// [TLSConfig.Protocols], grounded on original_source's
// REDIS_TLS_PROTO_TLSv1* flags.
type TLSProtocol int

// TLS protocol version bits. ProtocolDefault matches
// original_source's REDIS_TLS_PROTO_DEFAULT: TLS 1.2 and 1.3 only.
const (
	ProtocolTLS1_0 TLSProtocol = 1 << iota
	ProtocolTLS1_1
	ProtocolTLS1_2
	ProtocolTLS1_3

	ProtocolDefault = ProtocolTLS1_2 | ProtocolTLS1_3
)

// TLSConfig holds the parameters needed to build a usable [*tls.Config],
// grounded on original_source's TlsConfig struct.
type TLSConfig struct {
	// Protocols is the bitset of acceptable protocol versions. Zero means
	// [ProtocolDefault].
	Protocols TLSProtocol

	// CertFile and KeyFile name the server's certificate chain and private
	// key, in PEM form. Required for servers, ignored for pure clients.
	CertFile string
	KeyFile  string

	// CAFile, if set, names a PEM bundle of trusted CAs used to verify the
	// peer. Required for client-certificate authentication and for
	// clients that must verify a non-system-trusted server certificate.
	CAFile string

	// AuthClients requires the server to request and verify a client
	// certificate signed by a CA in CAFile.
	AuthClients bool

	// SessionCaching enables TLS session resumption. On the client side
	// this populates ClientSessionCache with an LRU cache sized
	// SessionCacheSize; on the server side Go's built-in session ticket
	// rotation is left enabled (there is no equivalent knob to disable
	// just the cache size, unlike OpenSSL's SSL_CTX session cache).
	SessionCaching   bool
	SessionCacheSize int

	// PreferServerCiphers mirrors tls_prefer_server_ciphers. Go's TLS 1.3
	// stack always negotiates by server preference and does not expose a
	// cipher-order switch for 1.2, so this is recorded for parity with the
	// original configuration surface but does not change negotiation
	// behaviour.
	PreferServerCiphers bool
}

// protocolVersions maps a single protocol bit to its [tls] package
// constant.
var protocolVersions = map[TLSProtocol]uint16{
	ProtocolTLS1_0: tls.VersionTLS10,
	ProtocolTLS1_1: tls.VersionTLS11,
	ProtocolTLS1_2: tls.VersionTLS12,
	ProtocolTLS1_3: tls.VersionTLS13,
}

// minMaxVersion returns the lowest and highest protocol versions set in
// protocols, defaulting to [ProtocolDefault] when protocols is zero.
// original_source's Redis-derived options allow disjoint bitsets with
// "holes" (1.0 and 1.3 but not 1.1/1.2); Go's tls.Config only accepts a
// contiguous [MinVersion, MaxVersion] range, so a hole is treated as
// covering everything between the lowest and highest bit set.
func minMaxVersion(protocols TLSProtocol) (min, max uint16) {
	if protocols == 0 {
		protocols = ProtocolDefault
	}

	for _, bit := range []TLSProtocol{ProtocolTLS1_0, ProtocolTLS1_1, ProtocolTLS1_2, ProtocolTLS1_3} {
		if protocols&bit == 0 {
			continue
		}

		v := protocolVersions[bit]
		if min == 0 || v < min {
			min = v
		}

		if v > max {
			max = v
		}
	}

	return min, max
}

// tlsOptions is the package-wide TLS configuration singleton, grounded on
// original_source's TlsOptions::instance(). A single process-wide
// configuration mirrors the original design: one OpenSSL SSL_CTX shared by
// every TlsConnection.
var tlsOptions = &tlsOptionsState{}

type tlsOptionsState struct {
	mu          sync.Mutex
	serverConf  *tls.Config
	clientConf  *tls.Config
	authClients bool
}

// SetTLSOptions builds and installs the process-wide TLS configuration
// from cfg. It must be called once before any endpoint using the "tls://"
// scheme is accepted or connected.
func SetTLSOptions(cfg TLSConfig) (err error) {
	minVersion, maxVersion := minMaxVersion(cfg.Protocols)

	serverConf := &tls.Config{
		MinVersion: minVersion,
		MaxVersion: maxVersion,
	}

	clientConf := &tls.Config{
		MinVersion: minVersion,
		MaxVersion: maxVersion,
	}

	if cfg.CertFile != "" {
		cert, loadErr := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if loadErr != nil {
			return errors.Annotate(loadErr, "loading tls certificate: %w")
		}

		serverConf.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, readErr := os.ReadFile(cfg.CAFile)
		if readErr != nil {
			return errors.Annotate(readErr, "reading tls ca file: %w")
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return errors.Error("reactor: tls ca file contains no usable certificates")
		}

		serverConf.ClientCAs = pool
		clientConf.RootCAs = pool
	}

	if cfg.AuthClients {
		serverConf.ClientAuth = tls.RequireAndVerifyClientCert
	}

	if cfg.SessionCaching {
		size := cfg.SessionCacheSize
		if size <= 0 {
			size = 64
		}

		clientConf.ClientSessionCache = tls.NewLRUClientSessionCache(size)
	}

	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	tlsOptions.serverConf = serverConf
	tlsOptions.clientConf = clientConf
	tlsOptions.authClients = cfg.AuthClients

	return nil
}

// ClearTLSOptions removes the installed TLS configuration, used by tests
// to reset the package-wide singleton between cases.
func ClearTLSOptions() {
	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	tlsOptions.serverConf = nil
	tlsOptions.clientConf = nil
	tlsOptions.authClients = false
}

// IsTLSConfigured reports whether [SetTLSOptions] has been called.
func IsTLSConfigured() (ok bool) {
	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	return tlsOptions.serverConf != nil
}

// IsTLSAuthClients reports whether the installed configuration requires
// client certificate authentication.
func IsTLSAuthClients() (ok bool) {
	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	return tlsOptions.authClients
}

// serverTLSConfig returns the installed server-side *tls.Config, or nil if
// none has been installed.
func serverTLSConfig() (conf *tls.Config) {
	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	return tlsOptions.serverConf
}

// clientTLSConfig returns the installed client-side *tls.Config, or nil if
// none has been installed.
func clientTLSConfig() (conf *tls.Config) {
	tlsOptions.mu.Lock()
	defer tlsOptions.mu.Unlock()

	return tlsOptions.clientConf
}
